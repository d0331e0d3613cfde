package syncer

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/secondloop/secondloop/internal/store"
	"github.com/secondloop/secondloop/pkg/envelope"
	"github.com/secondloop/secondloop/pkg/log"
)

// Pull tuning.
const (
	pullBatchSize   = 32
	pullConcurrency = 8
	// discoverProbeLimit bounds sequential probing for the first available
	// seq when the remote cannot list directories.
	discoverProbeLimit = 500
)

// Progress reports pull progress after every peer batch.
type Progress func(done, total int64)

// Replicator pushes and pulls ops between the local store and one blob
// remote (LocalDir or WebDAV).
type Replicator struct {
	store   *store.Store
	remote  RemoteStore
	syncKey []byte
	rootDir string
	chunk   int64
	log     zerolog.Logger
}

// NewReplicator creates a replicator for one (remote, root) pair.
func NewReplicator(st *store.Store, remote RemoteStore, syncKey []byte, rootDir string) (*Replicator, error) {
	if len(syncKey) != envelope.KeySize {
		return nil, fmt.Errorf("sync key must be %d bytes, got %d", envelope.KeySize, len(syncKey))
	}
	return &Replicator{
		store:   st,
		remote:  remote,
		syncKey: append([]byte(nil), syncKey...),
		rootDir: strings.Trim(rootDir, "/"),
		chunk:   DefaultChunkSize,
		log:     log.WithSyncIdentity("syncer", "", st.DeviceID()),
	}, nil
}

// Scope returns the cursor scope id for this replicator.
func (r *Replicator) Scope() string {
	return ScopeID(r.remote.TargetID(), r.rootDir)
}

func (r *Replicator) path(segments ...string) string {
	parts := append([]string{}, segments...)
	if r.rootDir != "" {
		parts = append([]string{r.rootDir}, parts...)
	}
	return strings.Join(parts, "/")
}

func (r *Replicator) opsDir(deviceID string) string      { return r.path(deviceID, "ops") + "/" }
func (r *Replicator) packsDir(deviceID string) string    { return r.path(deviceID, "packs") + "/" }
func (r *Replicator) attachmentsDir() string             { return r.path("attachments") + "/" }
func (r *Replicator) opPath(deviceID string, seq int64) string {
	return r.path(deviceID, "ops", fmt.Sprintf("op_%d.json", seq))
}
func (r *Replicator) packPath(deviceID string, chunkStart int64) string {
	return r.path(deviceID, "packs", fmt.Sprintf("pack_%d.bin", chunkStart))
}
func (r *Replicator) attachmentPath(sha string) string {
	return r.path("attachments", sha+".bin")
}
func (r *Replicator) cursorPath(deviceID string) string {
	return r.path(deviceID, "cursor.json")
}

// Push replicates local ops and attachment bytes to the remote.
func (r *Replicator) Push() error {
	return r.push(false)
}

// PushOpsOnly pushes ops but skips attachment byte uploads, for frequent
// background pushes.
func (r *Replicator) PushOpsOnly() error {
	return r.push(true)
}

func (r *Replicator) push(opsOnly bool) error {
	deviceID := r.store.DeviceID()
	scope := r.Scope()

	for _, dir := range []string{r.opsDir(deviceID), r.packsDir(deviceID), r.attachmentsDir()} {
		if err := r.remote.MkdirAll(dir); err != nil {
			return err
		}
	}

	if !opsOnly {
		if err := r.backfillAttachmentBytes(scope); err != nil {
			return err
		}
	}
	if err := r.backfillPacks(scope, deviceID); err != nil {
		return err
	}

	pushed, err := r.pushFrom(scope, deviceID, opsOnly)
	if err != nil {
		return err
	}

	// Target reset detection: nothing pushed, but our last pushed op file is
	// gone. Reset the cursor and re-push everything once.
	if pushed == 0 {
		lastPushed, err := r.store.KVGetInt64(lastPushedKey(scope))
		if err != nil {
			return err
		}
		if lastPushed > 0 {
			if _, err := r.remote.Get(r.opPath(deviceID, lastPushed)); errors.Is(err, ErrNotFound) {
				r.log.Warn().Str("scope", scope).Msg("remote target reset detected, re-pushing from 0")
				if err := r.store.KVSetInt64(lastPushedKey(scope), 0); err != nil {
					return err
				}
				if _, err := r.pushFrom(scope, deviceID, opsOnly); err != nil {
					return err
				}
			} else if err != nil && !errors.Is(err, ErrNotFound) {
				return err
			}
		}
	}
	return nil
}

func (r *Replicator) pushFrom(scope, deviceID string, opsOnly bool) (int, error) {
	lastPushed, err := r.store.KVGetInt64(lastPushedKey(scope))
	if err != nil {
		return 0, err
	}

	entries, err := r.store.LocalOpsAfter(lastPushed)
	if err != nil {
		return 0, err
	}
	if len(entries) == 0 {
		return 0, nil
	}

	affectedChunks := map[int64]bool{}
	maxSeq := lastPushed
	for _, entry := range entries {
		op, err := r.store.DecryptOp(entry)
		if err != nil {
			return 0, err
		}

		switch op.Type {
		case store.OpAttachmentUpsert:
			if !opsOnly {
				sha, _ := op.Payload["sha256"].(string)
				if err := r.uploadAttachment(sha); err != nil {
					return 0, err
				}
			}
		case store.OpAttachmentDelete:
			sha, _ := op.Payload["sha256"].(string)
			if err := r.remote.Delete(r.attachmentPath(sha)); err != nil && !errors.Is(err, ErrNotFound) {
				return 0, err
			}
		}

		ct, err := r.sealOp(op)
		if err != nil {
			return 0, err
		}
		if err := r.remote.Put(r.opPath(deviceID, op.Seq), ct); err != nil {
			return 0, err
		}
		affectedChunks[ChunkStart(op.Seq, r.chunk)] = true
		if op.Seq > maxSeq {
			maxSeq = op.Seq
		}
	}

	for chunkStart := range affectedChunks {
		if err := r.writePack(deviceID, chunkStart); err != nil {
			return 0, err
		}
	}

	cursor, _ := json.Marshal(map[string]int64{"max_seq": maxSeq})
	if err := r.remote.Put(r.cursorPath(deviceID), cursor); err != nil {
		return 0, err
	}

	if err := r.store.KVSetInt64(lastPushedKey(scope), maxSeq); err != nil {
		return 0, err
	}
	r.log.Debug().Int("ops", len(entries)).Int64("max_seq", maxSeq).Msg("pushed")
	return len(entries), nil
}

// sealOp re-encrypts an op's plaintext under the sync key with the
// device/seq-bound envelope AAD.
func (r *Replicator) sealOp(op *store.Op) ([]byte, error) {
	raw, err := json.Marshal(op)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal op %s: %w", op.OpID, err)
	}
	return envelope.Encrypt(r.syncKey, raw, envelope.AADSyncOps(op.DeviceID, op.Seq))
}

func (r *Replicator) openOp(peerDeviceID string, seq int64, ct []byte) (*store.Op, error) {
	raw, err := envelope.Decrypt(r.syncKey, ct, envelope.AADSyncOps(peerDeviceID, seq))
	if err != nil {
		return nil, err
	}
	var op store.Op
	if err := json.Unmarshal(raw, &op); err != nil {
		return nil, fmt.Errorf("failed to decode op at %s/%d: %w", peerDeviceID, seq, err)
	}
	return &op, nil
}

// writePack re-encodes one chunk from the local oplog and uploads it.
func (r *Replicator) writePack(deviceID string, chunkStart int64) error {
	entries, err := r.store.LocalOpsInRange(chunkStart, chunkStart+r.chunk-1)
	if err != nil {
		return err
	}
	if len(entries) == 0 {
		return nil
	}
	packEntries := make([]*PackEntry, 0, len(entries))
	for _, entry := range entries {
		op, err := r.store.DecryptOp(entry)
		if err != nil {
			return err
		}
		ct, err := r.sealOp(op)
		if err != nil {
			return err
		}
		packEntries = append(packEntries, &PackEntry{Seq: op.Seq, Ciphertext: ct})
	}
	return r.remote.Put(r.packPath(deviceID, chunkStart), EncodePack(packEntries))
}

// backfillAttachmentBytes uploads every local attachment blob missing from
// the remote. One-shot per scope.
func (r *Replicator) backfillAttachmentBytes(scope string) error {
	done, err := r.store.KVGet(attachmentsBackfilledKey(scope))
	if err != nil || done == "1" {
		return err
	}

	present := map[string]bool{}
	names, err := r.remote.List(r.attachmentsDir())
	if err != nil {
		return err
	}
	for _, name := range names {
		present[name] = true
	}

	atts, err := r.store.ListAttachments()
	if err != nil {
		return err
	}
	for _, att := range atts {
		if present[att.SHA256+".bin"] {
			continue
		}
		if err := r.uploadAttachment(att.SHA256); err != nil {
			return err
		}
	}
	return r.store.KVSet(attachmentsBackfilledKey(scope), "1")
}

// backfillPacks writes every chunk covering the existing local history.
// One-shot per scope.
func (r *Replicator) backfillPacks(scope, deviceID string) error {
	done, err := r.store.KVGet(packsBackfilledKey(scope))
	if err != nil || done == "1" {
		return err
	}
	maxSeq, err := r.store.MaxLocalSeq()
	if err != nil {
		return err
	}
	for chunkStart := int64(1); chunkStart <= maxSeq; chunkStart += r.chunk {
		if err := r.writePack(deviceID, chunkStart); err != nil {
			return err
		}
	}
	return r.store.KVSet(packsBackfilledKey(scope), "1")
}

// uploadAttachment re-encrypts local attachment bytes under the sync key and
// uploads them. Idempotent: same path, fresh envelope.
func (r *Replicator) uploadAttachment(sha string) error {
	if sha == "" {
		return nil
	}
	data, err := r.store.AttachmentBytes(sha)
	if err != nil {
		// Bytes already purged locally; nothing to ship.
		r.log.Debug().Str("sha256", sha).Msg("skipping upload of missing attachment bytes")
		return nil
	}
	ct, err := envelope.Encrypt(r.syncKey, data, envelope.AADSyncAttachmentBytes(sha))
	if err != nil {
		return err
	}
	return r.remote.Put(r.attachmentPath(sha), ct)
}

// FetchAttachment downloads, decrypts, hash-verifies and stores one
// attachment's bytes from the remote.
func (r *Replicator) FetchAttachment(sha string) error {
	ct, err := r.remote.Get(r.attachmentPath(sha))
	if err != nil {
		return err
	}
	data, err := envelope.Decrypt(r.syncKey, ct, envelope.AADSyncAttachmentBytes(sha))
	if err != nil {
		return err
	}
	if err := r.store.Blobs().Put(sha, data); err != nil {
		return err
	}
	// Re-read through the store to run hash verification.
	if _, err := r.store.AttachmentBytes(sha); err != nil {
		return fmt.Errorf("%w: %v", ErrIntegrityMismatch, err)
	}
	return nil
}

// Pull applies every peer's new ops. Packs are preferred; per-op files are
// the fallback past the last pack. Cursors advance only after each apply
// transaction commits, so a crash mid-pull replays safely.
func (r *Replicator) Pull(progress Progress) error {
	scope := r.Scope()
	selfID := r.store.DeviceID()

	names, err := r.remote.List(r.path() + "/")
	if err != nil {
		return err
	}
	sort.Strings(names)

	var done, total int64
	report := func() {
		if progress != nil {
			progress(done, total)
		}
	}

	for _, peer := range names {
		if peer == "attachments" || peer == selfID || strings.HasPrefix(peer, ".") {
			continue
		}
		peerTotal := r.peerTotalHint(peer)
		total += peerTotal

		n, err := r.pullPeer(scope, peer, &done, report)
		if err != nil {
			return fmt.Errorf("failed to pull from peer %s: %w", peer, err)
		}
		if n > peerTotal {
			total += n - peerTotal
		}
	}
	report()
	return nil
}

// peerTotalHint reads the peer's cursor.json max_seq when present.
func (r *Replicator) peerTotalHint(peer string) int64 {
	data, err := r.remote.Get(r.cursorPath(peer))
	if err != nil {
		return 0
	}
	var cursor struct {
		MaxSeq int64 `json:"max_seq"`
	}
	if json.Unmarshal(data, &cursor) != nil {
		return 0
	}
	return cursor.MaxSeq
}

func (r *Replicator) pullPeer(scope, peer string, done *int64, report func()) (int64, error) {
	lastPulled, err := r.store.KVGetInt64(lastPulledKey(scope, peer))
	if err != nil {
		return 0, err
	}
	start := lastPulled

	// Phase 1: packs.
	for {
		chunkStart := ChunkStart(lastPulled+1, r.chunk)
		data, err := r.remote.Get(r.packPath(peer, chunkStart))
		if errors.Is(err, ErrNotFound) {
			break
		}
		if err != nil {
			return 0, err
		}
		entries, decodeErr := DecodePack(data)
		applied, err := r.applyPackEntries(peer, entries, lastPulled)
		if err != nil {
			return 0, err
		}
		if applied == 0 {
			if decodeErr != nil {
				return 0, decodeErr
			}
			break
		}
		for _, e := range entries {
			if e.Seq > lastPulled {
				lastPulled = e.Seq
			}
		}
		if err := r.store.KVSetInt64(lastPulledKey(scope, peer), lastPulled); err != nil {
			return 0, err
		}
		*done += applied
		report()
		if decodeErr != nil {
			// Truncated pack: the intact prefix is applied; fall through to
			// per-op files for the remainder.
			r.log.Warn().Err(decodeErr).Str("peer", peer).Msg("truncated pack, continuing with per-op files")
			break
		}
	}

	// Discovery: a pruned remote may no longer hold op_1 or its pack.
	if lastPulled == 0 {
		if _, err := r.remote.Get(r.opPath(peer, 1)); errors.Is(err, ErrNotFound) {
			first, err := r.discoverFirstSeq(peer)
			if err != nil {
				return 0, err
			}
			if first == 0 {
				return 0, nil
			}
			lastPulled = first - 1
		} else if err != nil {
			return 0, err
		}
	}

	// Phase 2: per-op files in parallel batches; the first NotFound ends the
	// sequence.
	for {
		type fetched struct {
			seq int64
			ct  []byte
		}
		results := make([]*fetched, pullBatchSize)
		var g errgroup.Group
		g.SetLimit(pullConcurrency)
		for i := 0; i < pullBatchSize; i++ {
			i := i
			seq := lastPulled + int64(i) + 1
			g.Go(func() error {
				data, err := r.remote.Get(r.opPath(peer, seq))
				if errors.Is(err, ErrNotFound) {
					return nil
				}
				if err != nil {
					return err
				}
				results[i] = &fetched{seq: seq, ct: data}
				return nil
			})
		}
		if err := g.Wait(); err != nil {
			return 0, err
		}

		var ops []*store.Op
		for _, res := range results {
			if res == nil {
				break
			}
			op, err := r.openOp(peer, res.seq, res.ct)
			if err != nil {
				return 0, err
			}
			ops = append(ops, op)
		}
		if len(ops) == 0 {
			break
		}
		if err := r.store.ApplyOps(ops); err != nil {
			return 0, err
		}
		lastPulled = ops[len(ops)-1].Seq
		if err := r.store.KVSetInt64(lastPulledKey(scope, peer), lastPulled); err != nil {
			return 0, err
		}
		*done += int64(len(ops))
		report()
		if len(ops) < pullBatchSize {
			break
		}
	}

	return lastPulled - start, nil
}

// applyPackEntries opens and applies the pack entries past lastPulled in one
// transaction. Returns the number applied.
func (r *Replicator) applyPackEntries(peer string, entries []*PackEntry, lastPulled int64) (int64, error) {
	var ops []*store.Op
	for _, e := range entries {
		if e.Seq <= lastPulled {
			continue
		}
		op, err := r.openOp(peer, e.Seq, e.Ciphertext)
		if err != nil {
			return 0, err
		}
		ops = append(ops, op)
	}
	if len(ops) == 0 {
		return 0, nil
	}
	if err := r.store.ApplyOps(ops); err != nil {
		return 0, err
	}
	return int64(len(ops)), nil
}

// discoverFirstSeq finds the earliest op seq a peer still holds: directory
// listing when the remote supports it, bounded sequential probing otherwise.
func (r *Replicator) discoverFirstSeq(peer string) (int64, error) {
	names, err := r.remote.List(r.opsDir(peer))
	if err == nil && len(names) > 0 {
		first := int64(0)
		for _, name := range names {
			if !strings.HasPrefix(name, "op_") || !strings.HasSuffix(name, ".json") {
				continue
			}
			seq, err := strconv.ParseInt(strings.TrimSuffix(strings.TrimPrefix(name, "op_"), ".json"), 10, 64)
			if err != nil {
				continue
			}
			if first == 0 || seq < first {
				first = seq
			}
		}
		if first > 0 {
			return first, nil
		}
	}

	for seq := int64(2); seq <= discoverProbeLimit; seq++ {
		_, err := r.remote.Get(r.opPath(peer, seq))
		if err == nil {
			return seq, nil
		}
		if !errors.Is(err, ErrNotFound) {
			return 0, err
		}
	}
	return 0, nil
}
