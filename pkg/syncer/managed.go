package syncer

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog"

	"github.com/secondloop/secondloop/internal/store"
	"github.com/secondloop/secondloop/pkg/envelope"
	"github.com/secondloop/secondloop/pkg/log"
)

// pushRetryCap bounds the 409 rebase-and-retry loop.
const pushRetryCap = 10

// ErrVersionConflict is surfaced when the rebase loop exhausts its retries.
var ErrVersionConflict = errors.New("syncer: push conflict not resolved")

// ManagedVault talks to the managed HTTP gateway. The server stores opaque
// envelopes and enforces only per-device seq monotonicity; every conflict is
// resolved client-side by rebasing local seqs.
type ManagedVault struct {
	base    string
	vaultID string
	client  *http.Client
	store   *store.Store
	syncKey []byte
	log     zerolog.Logger
}

// NewManagedVault creates a client for one vault on one gateway.
func NewManagedVault(st *store.Store, baseURL, vaultID string, syncKey []byte, client *http.Client) (*ManagedVault, error) {
	if len(syncKey) != envelope.KeySize {
		return nil, fmt.Errorf("sync key must be %d bytes, got %d", envelope.KeySize, len(syncKey))
	}
	if client == nil {
		client = &http.Client{Timeout: 60 * time.Second}
	}
	return &ManagedVault{
		base:    baseURL,
		vaultID: vaultID,
		client:  client,
		store:   st,
		syncKey: append([]byte(nil), syncKey...),
		log:     log.WithSyncIdentity("managed_vault", vaultID, st.DeviceID()),
	}, nil
}

// Scope returns the cursor scope id for this vault endpoint.
func (m *ManagedVault) Scope() string {
	return ScopeID("managed:"+m.base, m.vaultID)
}

func (m *ManagedVault) url(suffix string) string {
	return fmt.Sprintf("%s/v1/vaults/%s%s", m.base, m.vaultID, suffix)
}

// postJSON posts a JSON body, retrying transient 5xx responses with
// exponential backoff. The response body and status are returned for
// non-5xx outcomes.
func (m *ManagedVault) postJSON(url string, body any) (int, []byte, error) {
	raw, err := json.Marshal(body)
	if err != nil {
		return 0, nil, err
	}

	var status int
	var respBody []byte
	op := func() error {
		resp, err := m.client.Post(url, "application/json", bytes.NewReader(raw))
		if err != nil {
			return err
		}
		defer resp.Body.Close()
		respBody, err = io.ReadAll(resp.Body)
		if err != nil {
			return err
		}
		status = resp.StatusCode
		if status >= 500 {
			return fmt.Errorf("server error %d", status)
		}
		return nil
	}
	policy := backoff.WithMaxRetries(backoff.NewExponentialBackOff(), 4)
	if err := backoff.Retry(op, policy); err != nil {
		return status, respBody, fmt.Errorf("POST %s: %w", url, err)
	}
	return status, respBody, nil
}

// RegisterDevice registers this installation with the vault. The server may
// assign a fresh device id when none is supplied.
func (m *ManagedVault) RegisterDevice(platform string) (string, error) {
	status, body, err := m.postJSON(m.url("/devices"), map[string]any{
		"platform":  platform,
		"device_id": m.store.DeviceID(),
	})
	if err != nil {
		return "", err
	}
	if status != http.StatusOK && status != http.StatusCreated {
		return "", fmt.Errorf("device registration failed with status %d", status)
	}
	var resp struct {
		DeviceID string `json:"device_id"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return "", fmt.Errorf("failed to decode registration response: %w", err)
	}
	return resp.DeviceID, nil
}

type pushOp struct {
	Seq          int64  `json:"seq"`
	OpID         string `json:"op_id"`
	CiphertextB64 string `json:"ciphertext_b64"`
}

type pushError struct {
	Error            string `json:"error"`
	ExpectedNextSeq  int64  `json:"expected_next_seq"`
	ConflictKind     string `json:"conflict_kind"`
	ConflictSeq      int64  `json:"conflict_seq"`
	OpID             string `json:"op_id"`
	ExistingDeviceID string `json:"existing_device_id"`
	ExistingSeq      int64  `json:"existing_seq"`
}

// Push uploads pending local ops, resolving 409 responses by rebasing local
// seqs. Retries are capped; each retry is logged but not user-visible.
func (m *ManagedVault) Push() error {
	scope := m.Scope()
	deviceID := m.store.DeviceID()
	cursorKey := managedLastPushedKey(scope, deviceID)

	for attempt := 0; attempt < pushRetryCap; attempt++ {
		lastPushed, err := m.store.KVGetInt64(cursorKey)
		if err != nil {
			return err
		}
		entries, err := m.store.LocalOpsAfter(lastPushed)
		if err != nil {
			return err
		}
		if len(entries) == 0 {
			return nil
		}

		ops := make([]pushOp, 0, len(entries))
		for _, entry := range entries {
			op, err := m.store.DecryptOp(entry)
			if err != nil {
				return err
			}
			raw, err := json.Marshal(op)
			if err != nil {
				return err
			}
			ct, err := envelope.Encrypt(m.syncKey, raw, envelope.AADSyncOps(op.DeviceID, op.Seq))
			if err != nil {
				return err
			}
			ops = append(ops, pushOp{
				Seq:          op.Seq,
				OpID:         op.OpID,
				CiphertextB64: base64.StdEncoding.EncodeToString(ct),
			})
		}

		status, body, err := m.postJSON(m.url("/ops:push"), map[string]any{
			"device_id": deviceID,
			"ops":       ops,
		})
		if err != nil {
			return err
		}

		switch status {
		case http.StatusOK:
			var resp struct {
				MaxSeq int64 `json:"max_seq"`
			}
			if err := json.Unmarshal(body, &resp); err != nil {
				return fmt.Errorf("failed to decode push response: %w", err)
			}
			return m.store.KVSetInt64(cursorKey, resp.MaxSeq)
		case http.StatusConflict:
			var conflict pushError
			if err := json.Unmarshal(body, &conflict); err != nil {
				return fmt.Errorf("failed to decode 409 body: %w", err)
			}
			m.log.Info().
				Str("error", conflict.Error).
				Str("conflict_kind", conflict.ConflictKind).
				Int64("expected_next_seq", conflict.ExpectedNextSeq).
				Int("attempt", attempt+1).
				Msg("push conflict, rebasing")
			if err := m.resolvePushConflict(cursorKey, &conflict); err != nil {
				return err
			}
		default:
			return fmt.Errorf("push failed with status %d: %s", status, body)
		}
	}
	return ErrVersionConflict
}

// resolvePushConflict applies the server's 409 verdict to local state.
func (m *ManagedVault) resolvePushConflict(cursorKey string, conflict *pushError) error {
	switch {
	case conflict.Error == "seq_gap":
		expected := conflict.ExpectedNextSeq
		if err := m.store.KVSetInt64(cursorKey, expected-1); err != nil {
			return err
		}
		minPending, err := m.store.MinLocalSeqAtOrAbove(expected)
		if err != nil {
			return err
		}
		if minPending > expected {
			// Local history starts past the server's expectation: slide it
			// down to close the gap.
			return m.store.RebaseLocalSeqs(minPending, expected-minPending)
		}
		return nil

	case conflict.ConflictKind == "seq":
		expected := conflict.ExpectedNextSeq
		if err := m.store.KVSetInt64(cursorKey, expected-1); err != nil {
			return err
		}
		if delta := expected - conflict.ConflictSeq; delta != 0 {
			return m.store.RebaseLocalSeqs(conflict.ConflictSeq, delta)
		}
		return nil

	case conflict.ConflictKind == "op_id":
		// The op already lives on the server under another device. Drop the
		// local copy and close the hole.
		seq, err := m.store.LocalOpSeq(conflict.OpID)
		if err != nil {
			return err
		}
		if err := m.store.DeleteLocalOp(conflict.OpID); err != nil {
			return err
		}
		if err := m.store.KVSetInt64(cursorKey, conflict.ExpectedNextSeq-1); err != nil {
			return err
		}
		if seq > 0 {
			return m.store.RebaseLocalSeqs(seq+1, -1)
		}
		return nil

	default:
		return fmt.Errorf("unrecognized 409 error %q (kind %q)", conflict.Error, conflict.ConflictKind)
	}
}

// Pull fetches and applies new ops from every peer via the binary endpoint,
// falling back to the JSON endpoint on 404. Returns the number applied.
func (m *ManagedVault) Pull(limit int) (int, error) {
	if limit <= 0 {
		limit = 500
	}
	scope := m.Scope()
	deviceID := m.store.DeviceID()

	applied := 0
	for {
		since, err := m.sinceCursors(scope)
		if err != nil {
			return applied, err
		}
		status, body, err := m.postJSON(m.url("/ops:pull_bin"), map[string]any{
			"device_id": deviceID,
			"since":     since,
			"limit":     limit,
		})
		if err != nil {
			return applied, err
		}

		var entries []*PullBinEntry
		switch status {
		case http.StatusOK:
			entries, err = DecodePullBin(body)
			if err != nil {
				return applied, err
			}
		case http.StatusNotFound:
			entries, err = m.pullJSON(deviceID, since, limit)
			if err != nil {
				return applied, err
			}
		default:
			return applied, fmt.Errorf("pull failed with status %d: %s", status, body)
		}

		n, err := m.applyPulled(scope, entries)
		if err != nil {
			return applied, err
		}
		applied += n
		if len(entries) < limit || n == 0 {
			return applied, nil
		}
	}
}

// sinceCursors builds the per-peer since map from KV.
func (m *ManagedVault) sinceCursors(scope string) (map[string]int64, error) {
	since := map[string]int64{}
	peers, err := m.store.KnownDeviceIDs()
	if err != nil {
		return nil, err
	}
	for _, peer := range peers {
		if peer == m.store.DeviceID() {
			continue
		}
		seq, err := m.store.KVGetInt64(managedLastPulledKey(scope, peer))
		if err != nil {
			return nil, err
		}
		since[peer] = seq
	}
	return since, nil
}

// applyPulled verifies, decrypts and applies one pull batch, then advances
// the per-peer cursors.
func (m *ManagedVault) applyPulled(scope string, entries []*PullBinEntry) (int, error) {
	var ops []*store.Op
	maxSeqByPeer := map[string]int64{}
	for _, e := range entries {
		if e.DeviceID == m.store.DeviceID() {
			continue
		}
		raw, err := envelope.Decrypt(m.syncKey, e.Ciphertext, envelope.AADSyncOps(e.DeviceID, e.Seq))
		if err != nil {
			return 0, err
		}
		var op store.Op
		if err := json.Unmarshal(raw, &op); err != nil {
			return 0, fmt.Errorf("failed to decode pulled op %s: %w", e.OpID, err)
		}
		// Tamper detection: the envelope's op id must match the plaintext's.
		if op.OpID != e.OpID {
			return 0, fmt.Errorf("%w: envelope op %s carries plaintext op %s",
				ErrIntegrityMismatch, e.OpID, op.OpID)
		}
		ops = append(ops, &op)
		if e.Seq > maxSeqByPeer[e.DeviceID] {
			maxSeqByPeer[e.DeviceID] = e.Seq
		}
	}
	if len(ops) == 0 {
		return 0, nil
	}
	if err := m.store.ApplyOps(ops); err != nil {
		return 0, err
	}
	for peer, maxSeq := range maxSeqByPeer {
		cur, err := m.store.KVGetInt64(managedLastPulledKey(scope, peer))
		if err != nil {
			return 0, err
		}
		if maxSeq > cur {
			if err := m.store.KVSetInt64(managedLastPulledKey(scope, peer), maxSeq); err != nil {
				return 0, err
			}
		}
	}
	return len(ops), nil
}

// pullJSON is the fallback for gateways without the binary endpoint.
func (m *ManagedVault) pullJSON(deviceID string, since map[string]int64, limit int) ([]*PullBinEntry, error) {
	status, body, err := m.postJSON(m.url("/ops:pull"), map[string]any{
		"device_id": deviceID,
		"since":     since,
		"limit":     limit,
	})
	if err != nil {
		return nil, err
	}
	if status != http.StatusOK {
		return nil, fmt.Errorf("pull failed with status %d: %s", status, body)
	}
	var resp struct {
		Ops []struct {
			DeviceID      string `json:"device_id"`
			Seq           int64  `json:"seq"`
			OpID          string `json:"op_id"`
			CiphertextB64 string `json:"ciphertext_b64"`
		} `json:"ops"`
		Next map[string]int64 `json:"next"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("failed to decode pull response: %w", err)
	}
	entries := make([]*PullBinEntry, 0, len(resp.Ops))
	for _, o := range resp.Ops {
		ct, err := base64.StdEncoding.DecodeString(o.CiphertextB64)
		if err != nil {
			return nil, fmt.Errorf("bad ciphertext for op %s: %w", o.OpID, err)
		}
		entries = append(entries, &PullBinEntry{
			DeviceID: o.DeviceID, Seq: o.Seq, OpID: o.OpID, Ciphertext: ct,
		})
	}
	return entries, nil
}

// UploadAttachment ships one attachment's encrypted bytes to the vault.
func (m *ManagedVault) UploadAttachment(sha string) error {
	att, err := m.store.GetAttachment(sha)
	if err != nil {
		return err
	}
	data, err := m.store.AttachmentBytes(sha)
	if err != nil {
		return err
	}
	ct, err := envelope.Encrypt(m.syncKey, data, envelope.AADSyncAttachmentBytes(sha))
	if err != nil {
		return err
	}

	req, err := http.NewRequest(http.MethodPut, m.url("/attachments/"+sha), bytes.NewReader(ct))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/octet-stream")
	req.Header.Set("x-media-byte-len", strconv.FormatInt(int64(len(data)), 10))
	if att != nil {
		req.Header.Set("x-media-mime", att.MimeType)
		req.Header.Set("x-media-created-at-ms", strconv.FormatInt(att.CreatedAt, 10))
	}
	resp, err := m.client.Do(req)
	if err != nil {
		return err
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated &&
		resp.StatusCode != http.StatusNoContent {
		return fmt.Errorf("attachment upload failed with status %d", resp.StatusCode)
	}
	return nil
}

// DownloadAttachment fetches, decrypts and stores one attachment's bytes.
// The content hash is verified after decrypt.
func (m *ManagedVault) DownloadAttachment(sha string) error {
	resp, err := m.client.Get(m.url("/attachments/" + sha))
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusNotFound {
		return ErrNotFound
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("attachment download failed with status %d", resp.StatusCode)
	}
	ct, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	data, err := envelope.Decrypt(m.syncKey, ct, envelope.AADSyncAttachmentBytes(sha))
	if err != nil {
		return err
	}
	if err := m.store.Blobs().Put(sha, data); err != nil {
		return err
	}
	if _, err := m.store.AttachmentBytes(sha); err != nil {
		return fmt.Errorf("%w: %v", ErrIntegrityMismatch, err)
	}
	return nil
}

// DeleteAttachment removes one attachment from the vault. 404 is tolerated.
func (m *ManagedVault) DeleteAttachment(sha string) error {
	req, err := http.NewRequest(http.MethodDelete, m.url("/attachments/"+sha), nil)
	if err != nil {
		return err
	}
	resp, err := m.client.Do(req)
	if err != nil {
		return err
	}
	resp.Body.Close()
	switch resp.StatusCode {
	case http.StatusOK, http.StatusNoContent, http.StatusNotFound:
		return nil
	default:
		return fmt.Errorf("attachment delete failed with status %d", resp.StatusCode)
	}
}

// BackfillAttachments uploads every local attachment once per scope.
func (m *ManagedVault) BackfillAttachments() error {
	scope := m.Scope()
	done, err := m.store.KVGet(managedAttachmentsBackfilledKey(scope))
	if err != nil || done == "1" {
		return err
	}
	atts, err := m.store.ListAttachments()
	if err != nil {
		return err
	}
	for _, att := range atts {
		if err := m.UploadAttachment(att.SHA256); err != nil {
			return err
		}
	}
	return m.store.KVSet(managedAttachmentsBackfilledKey(scope), "1")
}

// Clear wipes the whole vault's ops on the server.
func (m *ManagedVault) Clear() error {
	status, body, err := m.postJSON(m.url("/ops:clear"), map[string]any{})
	if err != nil {
		return err
	}
	if status != http.StatusOK && status != http.StatusNoContent {
		return fmt.Errorf("clear failed with status %d: %s", status, body)
	}
	return nil
}

// ClearDevice wipes one device's ops on the server.
func (m *ManagedVault) ClearDevice(deviceID string) error {
	status, body, err := m.postJSON(m.url("/ops:clear_device"), map[string]any{
		"device_id": deviceID,
	})
	if err != nil {
		return err
	}
	if status != http.StatusOK && status != http.StatusNoContent {
		return fmt.Errorf("clear_device failed with status %d: %s", status, body)
	}
	return nil
}
