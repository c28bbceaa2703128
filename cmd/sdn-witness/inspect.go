package main

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/spf13/cobra"

	"github.com/spacedatanetwork/sdn-witness/internal/config"
	"github.com/spacedatanetwork/sdn-witness/internal/evidence"
	"github.com/spacedatanetwork/sdn-witness/internal/history"
	"github.com/spacedatanetwork/sdn-witness/internal/snippet"
)

var snippetCmd = &cobra.Command{
	Use:   "snippet",
	Short: "Work with encoded log snippets",
}

var snippetInspectCmd = &cobra.Command{
	Use:   "inspect <file>",
	Short: "Decode a log snippet and print its entries and hash chain",
	Args:  cobra.ExactArgs(1),
	RunE:  runSnippetInspect,
}

var evidenceCmd = &cobra.Command{
	Use:   "evidence",
	Short: "Inspect the local evidence log",
}

var evidenceListCmd = &cobra.Command{
	Use:   "list",
	Short: "List filed evidence, newest first",
	RunE:  runEvidenceList,
}

var evidenceVerifyCmd = &cobra.Command{
	Use:   "verify-chain",
	Short: "Verify the hash chain of the evidence log",
	RunE:  runEvidenceVerify,
}

var evidenceCheckCmd = &cobra.Command{
	Use:   "check <id>",
	Short: "Re-check the proof carried by a piece of evidence",
	Args:  cobra.ExactArgs(1),
	RunE:  runEvidenceCheck,
}

var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "Inspect replicated logs",
}

var historyVerifyCmd = &cobra.Command{
	Use:   "verify <peer>",
	Short: "Recompute the stored hash chain of a witnessed peer",
	Args:  cobra.ExactArgs(1),
	RunE:  runHistoryVerify,
}

var (
	listSubject string
	listLimit   int
)

func init() {
	evidenceListCmd.Flags().StringVar(&listSubject, "subject", "", "only evidence against this peer")
	evidenceListCmd.Flags().IntVar(&listLimit, "limit", 50, "maximum number of records")

	snippetCmd.AddCommand(snippetInspectCmd)
	evidenceCmd.AddCommand(evidenceListCmd, evidenceVerifyCmd, evidenceCheckCmd)
	historyCmd.AddCommand(historyVerifyCmd)
}

// embeddedKeys accepts peers whose public key is inlined in their ID. The CLI
// has no peerstore to consult.
type embeddedKeys struct{}

func (embeddedKeys) HasCertificate(id peer.ID) bool {
	_, err := id.ExtractPublicKey()
	return err == nil
}

func runSnippetInspect(cmd *cobra.Command, args []string) error {
	data, err := os.ReadFile(args[0])
	if err != nil {
		return err
	}
	s, err := snippet.Decode(data)
	if err != nil {
		return fmt.Errorf("failed to decode %s: %w", args[0], err)
	}
	printSnippet(cmd.OutOrStdout(), s)

	res := evidence.CheckSnippet(s, embeddedKeys{})
	switch res.Verdict {
	case evidence.Valid:
		fmt.Fprintln(cmd.OutOrStdout(), "check: valid")
	case evidence.CertMissing:
		fmt.Fprintf(cmd.OutOrStdout(), "check: certificate of %s needed at seq %d\n", res.Missing, res.Seq)
	default:
		fmt.Fprintf(cmd.OutOrStdout(), "check: %s at seq %d: %v\n", res.Verdict, res.Seq, res.Reason)
	}
	return nil
}

func printSnippet(w io.Writer, s *snippet.LogSnippet) {
	fmt.Fprintf(w, "base %s\n", s.BaseHash)
	chain := s.Chain()
	for i, e := range s.Entries {
		content := fmt.Sprintf("%d bytes", len(e.Content))
		if e.Hashed {
			content = "hashed"
		}
		fmt.Fprintf(w, "%8d %-10s %-10s %s\n", e.Seq, e.Kind, content, chain[i].Short())
	}
	fmt.Fprintf(w, "top  %s (%d entries)\n", s.TopHash(), len(s.Entries))
}

func openEvidence() (*evidence.Store, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	return evidence.NewStore(cfg.Storage.Path)
}

func runEvidenceList(cmd *cobra.Command, args []string) error {
	store, err := openEvidence()
	if err != nil {
		return err
	}
	defer store.Close()

	opts := evidence.QueryOptions{Limit: listLimit}
	if listSubject != "" {
		if opts.Subject, err = peer.Decode(listSubject); err != nil {
			return fmt.Errorf("invalid subject %s: %w", listSubject, err)
		}
	}

	list, err := store.Query(opts)
	if err != nil {
		return err
	}
	for _, e := range list {
		fmt.Fprintf(cmd.OutOrStdout(), "%s  %-15s %s  seq=%d  by=%s  cid=%s\n",
			e.FiledAt.Format("2006-01-02T15:04:05Z"), e.Kind, e.Subject, e.EvidenceSeq,
			e.Originator.ShortString(), e.CID)
	}
	return nil
}

func runEvidenceVerify(cmd *cobra.Command, args []string) error {
	store, err := openEvidence()
	if err != nil {
		return err
	}
	defer store.Close()

	count, err := store.VerifyChain()
	if err != nil {
		return fmt.Errorf("evidence log is broken after %d records: %w", count, err)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "%d records, chain intact\n", count)
	return nil
}

func runEvidenceCheck(cmd *cobra.Command, args []string) error {
	store, err := openEvidence()
	if err != nil {
		return err
	}
	defer store.Close()

	e, err := store.Get(args[0])
	if err != nil {
		return err
	}
	p, err := e.Proof()
	if err != nil {
		return err
	}
	pub, err := p.Subject.ExtractPublicKey()
	if err != nil {
		return fmt.Errorf("%w: %s", evidence.ErrCertificateMissing, p.Subject)
	}
	if err := p.Check(pub); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "%s: proof holds\n", e)
	return nil
}

func runHistoryVerify(cmd *cobra.Command, args []string) error {
	subject, err := peer.Decode(args[0])
	if err != nil {
		return fmt.Errorf("invalid peer %s: %w", args[0], err)
	}
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	store, err := history.Open(filepath.Join(cfg.Storage.Path, history.DBFile))
	if err != nil {
		return err
	}
	defer store.Close()

	count, err := store.VerifyChain(subject)
	if err != nil {
		return fmt.Errorf("replica of %s is broken after %d entries: %w", subject, count, err)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "%s: %d entries, chain intact\n", subject, count)
	return nil
}
