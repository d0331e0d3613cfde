package syncer

import (
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/secondloop/secondloop/internal/store"
	"github.com/secondloop/secondloop/pkg/envelope"
)

type recordedPush struct {
	DeviceID string `json:"device_id"`
	Ops      []struct {
		Seq           int64  `json:"seq"`
		OpID          string `json:"op_id"`
		CiphertextB64 string `json:"ciphertext_b64"`
	} `json:"ops"`
}

// scriptedServer answers ops:push with each scripted response in turn, then
// succeeds, recording every request body it sees.
func scriptedServer(t *testing.T, responses []any) (*httptest.Server, *[]recordedPush) {
	t.Helper()
	var pushes []recordedPush
	idx := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/vaults/test-vault/ops:push" {
			http.NotFound(w, r)
			return
		}
		var body recordedPush
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		pushes = append(pushes, body)

		if idx < len(responses) {
			resp := responses[idx]
			idx++
			if conflict, ok := resp.(map[string]any); ok {
				w.WriteHeader(http.StatusConflict)
				json.NewEncoder(w).Encode(conflict)
				return
			}
		}
		maxSeq := int64(0)
		for _, op := range body.Ops {
			if op.Seq > maxSeq {
				maxSeq = op.Seq
			}
		}
		json.NewEncoder(w).Encode(map[string]int64{"max_seq": maxSeq})
	}))
	t.Cleanup(srv.Close)
	return srv, &pushes
}

func newManagedClient(t *testing.T, st *store.Store, baseURL string, syncKey []byte) *ManagedVault {
	t.Helper()
	mv, err := NewManagedVault(st, baseURL, "test-vault", syncKey, nil)
	require.NoError(t, err)
	return mv
}

func seedMessages(t *testing.T, st *store.Store, n int) {
	t.Helper()
	_, err := st.UpsertConversation("c", "t", 0)
	require.NoError(t, err)
	for i := 1; i < n; i++ {
		_, err := st.InsertMessage("c", store.RoleUser, "m", true)
		require.NoError(t, err)
	}
}

func localSeqs(t *testing.T, st *store.Store) []int64 {
	t.Helper()
	entries, err := st.LocalOpsAfter(0)
	require.NoError(t, err)
	seqs := make([]int64, len(entries))
	for i, e := range entries {
		seqs[i] = e.Seq
	}
	return seqs
}

func TestManagedPushHappyPath(t *testing.T) {
	st := newDevice(t, testKey(t))
	syncKey := testKey(t)
	srv, pushes := scriptedServer(t, nil)
	mv := newManagedClient(t, st, srv.URL, syncKey)

	seedMessages(t, st, 3)
	require.NoError(t, mv.Push())

	require.Len(t, *pushes, 1)
	assert.Len(t, (*pushes)[0].Ops, 3)

	// Cursor advanced; a second push sends nothing.
	require.NoError(t, mv.Push())
	assert.Len(t, *pushes, 1)
}

func TestManagedPushSeqConflictRebase(t *testing.T) {
	st := newDevice(t, testKey(t))
	syncKey := testKey(t)
	// Server already holds one foreign op at seq 1: local 1..5 must move to 2..6.
	srv, pushes := scriptedServer(t, []any{
		map[string]any{
			"error":             "conflict",
			"conflict_kind":     "seq",
			"conflict_seq":      int64(1),
			"expected_next_seq": int64(2),
		},
	})
	mv := newManagedClient(t, st, srv.URL, syncKey)

	seedMessages(t, st, 5)
	require.Equal(t, []int64{1, 2, 3, 4, 5}, localSeqs(t, st))

	require.NoError(t, mv.Push())

	assert.Equal(t, []int64{2, 3, 4, 5, 6}, localSeqs(t, st))
	require.Len(t, *pushes, 2)
	retried := (*pushes)[1]
	require.Len(t, retried.Ops, 5)
	assert.Equal(t, int64(2), retried.Ops[0].Seq)
	assert.Equal(t, int64(6), retried.Ops[4].Seq)

	cursor, err := st.KVGetInt64("managed_vault.last_pushed_seq:" + mv.Scope() + ":" + st.DeviceID())
	require.NoError(t, err)
	assert.Equal(t, int64(6), cursor)

	// The rebased envelopes decrypt under their new seq-bound AAD.
	ct, err := base64.StdEncoding.DecodeString(retried.Ops[0].CiphertextB64)
	require.NoError(t, err)
	raw, err := envelope.Decrypt(syncKey, ct, envelope.AADSyncOps(st.DeviceID(), 2))
	require.NoError(t, err)
	var op store.Op
	require.NoError(t, json.Unmarshal(raw, &op))
	assert.Equal(t, int64(2), op.Seq)
}

func TestManagedPushOpIDConflict(t *testing.T) {
	st := newDevice(t, testKey(t))
	syncKey := testKey(t)

	seedMessages(t, st, 2) // ops A@1, B@2
	entries, err := st.LocalOpsAfter(0)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	opA, opB := entries[0], entries[1]

	srv, pushes := scriptedServer(t, []any{
		map[string]any{
			"error":              "conflict",
			"conflict_kind":      "op_id",
			"op_id":              opA.OpID,
			"existing_device_id": "dev-other",
			"existing_seq":       int64(9),
			"expected_next_seq":  int64(1),
		},
	})
	mv := newManagedClient(t, st, srv.URL, syncKey)

	require.NoError(t, mv.Push())

	// A is gone; B slid from seq 2 to seq 1.
	assert.Equal(t, []int64{1}, localSeqs(t, st))
	remaining, err := st.LocalOpsAfter(0)
	require.NoError(t, err)
	assert.Equal(t, opB.OpID, remaining[0].OpID)

	require.Len(t, *pushes, 2)
	retried := (*pushes)[1]
	require.Len(t, retried.Ops, 1)
	assert.Equal(t, opB.OpID, retried.Ops[0].OpID)
	assert.Equal(t, int64(1), retried.Ops[0].Seq)
}

func TestManagedPushSeqGap(t *testing.T) {
	st := newDevice(t, testKey(t))
	syncKey := testKey(t)
	// The server already has seq 1 from this device: it expects 2 next.
	srv, pushes := scriptedServer(t, []any{
		map[string]any{"error": "seq_gap", "expected_next_seq": int64(2)},
	})
	mv := newManagedClient(t, st, srv.URL, syncKey)

	seedMessages(t, st, 3)
	require.NoError(t, mv.Push())

	require.Len(t, *pushes, 2)
	retried := (*pushes)[1]
	require.Len(t, retried.Ops, 2)
	assert.Equal(t, int64(2), retried.Ops[0].Seq)
	assert.Equal(t, int64(3), retried.Ops[1].Seq)
}

func TestManagedPushRetryCap(t *testing.T) {
	st := newDevice(t, testKey(t))
	syncKey := testKey(t)

	responses := make([]any, pushRetryCap+2)
	for i := range responses {
		responses[i] = map[string]any{
			"error":             "conflict",
			"conflict_kind":     "seq",
			"conflict_seq":      int64(1),
			"expected_next_seq": int64(1),
		}
	}
	srv, _ := scriptedServer(t, responses)
	mv := newManagedClient(t, st, srv.URL, syncKey)

	seedMessages(t, st, 2)
	err := mv.Push()
	assert.ErrorIs(t, err, ErrVersionConflict)
}

func TestManagedPullBin(t *testing.T) {
	dbKey := testKey(t)
	syncKey := testKey(t)

	// Peer device produces ops on its own store.
	peer := newDevice(t, dbKey)
	_, err := peer.UpsertConversation("c", "from peer", 0)
	require.NoError(t, err)
	_, err = peer.InsertMessage("c", store.RoleUser, "peer message", true)
	require.NoError(t, err)

	peerEntries, err := peer.LocalOpsAfter(0)
	require.NoError(t, err)
	var binEntries []*PullBinEntry
	for _, e := range peerEntries {
		op, err := peer.DecryptOp(e)
		require.NoError(t, err)
		raw, err := json.Marshal(op)
		require.NoError(t, err)
		ct, err := envelope.Encrypt(syncKey, raw, envelope.AADSyncOps(op.DeviceID, op.Seq))
		require.NoError(t, err)
		binEntries = append(binEntries, &PullBinEntry{
			DeviceID: op.DeviceID, Seq: op.Seq, OpID: op.OpID, Ciphertext: ct,
		})
	}

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/vaults/test-vault/ops:pull_bin" {
			http.NotFound(w, r)
			return
		}
		w.Write(EncodePullBin(binEntries))
	}))
	t.Cleanup(srv.Close)

	local := newDevice(t, dbKey)
	mv := newManagedClient(t, local, srv.URL, syncKey)

	n, err := mv.Pull(100)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	msg, err := local.ListConversationMessages("c")
	require.NoError(t, err)
	require.Len(t, msg, 1)
	assert.Equal(t, "peer message", msg[0].Content)

	cursor, err := local.KVGetInt64("managed_vault.last_pulled_seq:" + mv.Scope() + ":" + peer.DeviceID())
	require.NoError(t, err)
	assert.Equal(t, int64(2), cursor)
}

func TestManagedPullDetectsOpIDTampering(t *testing.T) {
	dbKey := testKey(t)
	syncKey := testKey(t)

	peer := newDevice(t, dbKey)
	_, err := peer.UpsertConversation("c", "t", 0)
	require.NoError(t, err)
	entries, err := peer.LocalOpsAfter(0)
	require.NoError(t, err)
	op, err := peer.DecryptOp(entries[0])
	require.NoError(t, err)
	raw, err := json.Marshal(op)
	require.NoError(t, err)
	ct, err := envelope.Encrypt(syncKey, raw, envelope.AADSyncOps(op.DeviceID, op.Seq))
	require.NoError(t, err)

	// The envelope claims a different op id than the plaintext carries.
	tampered := []*PullBinEntry{{
		DeviceID: op.DeviceID, Seq: op.Seq, OpID: "spoofed-op-id", Ciphertext: ct,
	}}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write(EncodePullBin(tampered))
	}))
	t.Cleanup(srv.Close)

	local := newDevice(t, dbKey)
	mv := newManagedClient(t, local, srv.URL, syncKey)

	_, err = mv.Pull(100)
	assert.ErrorIs(t, err, ErrIntegrityMismatch)
}
