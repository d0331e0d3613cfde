package syncer

import "encoding/base64"

// ScopeID normalizes a (remote target, root dir) pair into the id that
// namespaces sync cursors in KV, so two remotes — or two roots on one remote
// — never share cursor state.
func ScopeID(targetID, rootDir string) string {
	return base64.URLEncoding.WithPadding(base64.NoPadding).
		EncodeToString([]byte(targetID + "|" + rootDir))
}

// Cursor KV key builders.
func lastPushedKey(scope string) string {
	return "sync.last_pushed_seq:" + scope
}

func lastPulledKey(scope, peerDeviceID string) string {
	return "sync.last_pulled_seq:" + scope + ":" + peerDeviceID
}

func attachmentsBackfilledKey(scope string) string {
	return "sync.attachments.bytes_backfilled:" + scope
}

func packsBackfilledKey(scope string) string {
	return "sync.ops_packs_backfilled:" + scope
}

func managedLastPushedKey(scope, deviceID string) string {
	return "managed_vault.last_pushed_seq:" + scope + ":" + deviceID
}

func managedLastPulledKey(scope, peerDeviceID string) string {
	return "managed_vault.last_pulled_seq:" + scope + ":" + peerDeviceID
}

func managedAttachmentsBackfilledKey(scope string) string {
	return "managed_vault.attachments.bytes_backfilled:" + scope
}
