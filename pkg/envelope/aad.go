package envelope

import "fmt"

// AAD strings per encrypted domain. Each is distinct so a ciphertext can
// never be substituted across columns, rows, or remotes.
//
// conversation.title is deliberately shared (not per-id): vaults created
// before per-id AADs existed encrypted titles under the shared form, and the
// AAD cannot be rewritten without re-encrypting every legacy row.
const (
	AADConversationTitle = "conversation.title"
	AADMessageContent    = "message.content"
	AADTodoTitle         = "todo.title"
	AADEventTitle        = "event.title"
)

// AADOplogOpJSON binds an oplog row's ciphertext to its op id. Not seq-bound,
// so seq rebase can rewrite the plaintext and re-encrypt under the same AAD.
func AADOplogOpJSON(opID string) string {
	return "oplog.op_json:" + opID
}

// AADAttachmentBytes binds attachment bytes at rest to their content hash.
func AADAttachmentBytes(sha256 string) string {
	return "attachment.bytes:" + sha256
}

// AADAttachmentExif binds an EXIF payload to its attachment.
func AADAttachmentExif(sha256 string) string {
	return "attachment.exif:" + sha256
}

// AADAttachmentPlace binds a reverse-geocoded place payload to attachment and language.
func AADAttachmentPlace(sha256, lang string) string {
	return fmt.Sprintf("attachment.place:%s:%s", sha256, lang)
}

// AADAttachmentAnnotation binds an annotation payload to attachment and language.
func AADAttachmentAnnotation(sha256, lang string) string {
	return fmt.Sprintf("attachment.annotation:%s:%s", sha256, lang)
}

// AADTagName binds a tag name to its tag id.
func AADTagName(tagID string) string {
	return "tag.name:" + tagID
}

// AADTodoActivityContent binds an activity note to its activity id.
func AADTodoActivityContent(activityID string) string {
	return "todo_activity.content:" + activityID
}

// AADSyncOps is the envelope for an op shipped to a remote, bound to the
// producing device and seq so a remote cannot shuffle envelopes between slots.
func AADSyncOps(deviceID string, seq int64) string {
	return fmt.Sprintf("sync.ops:%s:%d", deviceID, seq)
}

// AADSyncAttachmentBytes is the envelope for attachment bytes on a remote.
func AADSyncAttachmentBytes(sha256 string) string {
	return "sync.attachment.bytes:" + sha256
}
