package evidence

import (
	"testing"

	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/stretchr/testify/assert"

	"github.com/spacedatanetwork/sdn-witness/internal/snippet"
)

type certSet map[peer.ID]bool

func (c certSet) HasCertificate(id peer.ID) bool { return c[id] }

func TestCheckSnippet(t *testing.T) {
	_, sender := newIdentity(t)
	_, remote := newIdentity(t)
	digest := snippet.ContentHash([]byte("x"))

	recv := (&snippet.Recv{Sender: sender, SenderSeq: 10, SenderHash: digest, Signature: []byte{1}, Payload: []byte("m")}).Marshal()
	ack := (&snippet.Ack{Remote: remote, AckedSeq: 11, Hash: digest, Signature: []byte{2}}).Marshal()
	sig := (&snippet.Sign{Hash: digest, Signature: []byte{3, 4}}).Marshal()

	entry := func(kind snippet.EntryKind, hashed bool, content []byte) *snippet.LogSnippet {
		return &snippet.LogSnippet{Entries: []snippet.LogEntry{
			{Kind: snippet.KindCheckpoint, Seq: 1000, Content: []byte("state")},
			{Kind: kind, Seq: 1001, Hashed: hashed, Content: content},
		}}
	}
	all := certSet{sender: true, remote: true}

	tests := []struct {
		name    string
		s       *snippet.LogSnippet
		certs   certSet
		verdict Verdict
		missing peer.ID
	}{
		{"hashed send", entry(snippet.KindSend, true, digest[:]), all, Valid, ""},
		{"hashed checkpoint", entry(snippet.KindCheckpoint, true, digest[:]), all, Valid, ""},
		{"hashed sendsign", entry(snippet.KindSendSign, true, digest[:]), all, Valid, ""},
		{"hashed recv", entry(snippet.KindRecv, true, digest[:]), all, Invalid, ""},
		{"hashed ack", entry(snippet.KindAck, true, digest[:]), all, Invalid, ""},
		{"hashed sign", entry(snippet.KindSign, true, digest[:]), all, Invalid, ""},
		{"short digest", entry(snippet.KindSend, true, digest[:10]), all, Invalid, ""},
		{"recv known", entry(snippet.KindRecv, false, recv), all, Valid, ""},
		{"recv unknown sender", entry(snippet.KindRecv, false, recv), certSet{remote: true}, CertMissing, sender},
		{"recv garbage", entry(snippet.KindRecv, false, []byte{40, 1}), all, Invalid, ""},
		{"ack known", entry(snippet.KindAck, false, ack), all, Valid, ""},
		{"ack unknown remote", entry(snippet.KindAck, false, ack), certSet{sender: true}, CertMissing, remote},
		{"ack trailing", entry(snippet.KindAck, false, append(ack, 0)), all, Invalid, ""},
		{"sign", entry(snippet.KindSign, false, sig), all, Valid, ""},
		{"sign without signature", entry(snippet.KindSign, false, digest[:]), all, Invalid, ""},
		{"empty", &snippet.LogSnippet{}, all, Invalid, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := CheckSnippet(tt.s, tt.certs)
			assert.Equal(t, tt.verdict, res.Verdict, "reason: %v", res.Reason)
			assert.Equal(t, tt.missing, res.Missing)
			if tt.verdict == Invalid {
				assert.Error(t, res.Reason)
			}
		})
	}
}
