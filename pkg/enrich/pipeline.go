// Package enrich drains the attachment enrichment queues: EXIF extraction,
// reverse geocoding, and annotation (caption, document extract, transcript,
// video manifest). Model runtimes stay behind the Annotator and Geocoder
// interfaces; this package owns scheduling, retry backoff, and the
// transactional side effects that feed the vector index.
package enrich

import (
	"encoding/json"
	"strings"

	"github.com/rs/zerolog"

	"github.com/secondloop/secondloop/internal/store"
	"github.com/secondloop/secondloop/pkg/log"
)

// Annotator produces a JSON payload for an attachment. The expected shapes
// per kind:
//
//	image:    {"caption_long": ..., "tags": [...], "ocr_text_excerpt": ...}
//	document: {"extracted_text_excerpt": ..., "needs_ocr": ..., "page_count": ...}
//	audio:    {"schema": "audio_transcript.v1", "transcript_excerpt": ...}
//	video:    {"video_segments": [...], "transcript_excerpt": ...}
type Annotator interface {
	Annotate(kind store.AnnotationKind, data []byte, mimeType, lang string) (string, error)
}

// Geocoder resolves coordinates to a display name payload:
// {"display_name": ...}.
type Geocoder interface {
	ReverseGeocode(lat, lon float64, lang string) (string, error)
}

// ExifExtractor pulls captured time and GPS out of original bytes:
// {"captured_at_ms": ..., "lat": ..., "lon": ...}.
type ExifExtractor interface {
	Extract(data []byte, mimeType string) (string, error)
}

// Pipeline drains the enrichment queues against one store.
type Pipeline struct {
	store     *store.Store
	annotator Annotator
	geocoder  Geocoder
	exif      ExifExtractor
	lang      string
	log       zerolog.Logger
}

// New creates a pipeline. Any of the three runtimes may be nil; the matching
// queue is then left untouched.
func New(st *store.Store, annotator Annotator, geocoder Geocoder, exif ExifExtractor, lang string) *Pipeline {
	if lang == "" {
		lang = "en"
	}
	return &Pipeline{
		store:     st,
		annotator: annotator,
		geocoder:  geocoder,
		exif:      exif,
		lang:      lang,
		log:       log.WithComponent("enrich"),
	}
}

// AnnotationKindForMime maps a mime type onto the annotator kind, reporting
// whether the type is enrichment-eligible at all.
func AnnotationKindForMime(mimeType string) (store.AnnotationKind, bool) {
	switch {
	case strings.HasPrefix(mimeType, "image/"):
		return store.AnnotationImage, true
	case mimeType == "application/pdf" || strings.HasPrefix(mimeType, "text/"):
		return store.AnnotationDocument, true
	case strings.HasPrefix(mimeType, "audio/"):
		return store.AnnotationAudio, true
	case strings.HasPrefix(mimeType, "video/"):
		return store.AnnotationVideo, true
	}
	return "", false
}

// EnqueueForAttachment queues the applicable enrichment jobs for one
// attachment, based on its mime type.
func (p *Pipeline) EnqueueForAttachment(att *store.Attachment) error {
	kind, ok := AnnotationKindForMime(att.MimeType)
	if !ok {
		return nil
	}
	if kind == store.AnnotationImage {
		if err := p.store.EnqueueExifJob(att.SHA256); err != nil {
			return err
		}
		if err := p.store.EnqueuePlaceJob(att.SHA256, p.lang); err != nil {
			return err
		}
	}
	return p.store.EnqueueAnnotationJob(att.SHA256, p.lang, kind)
}

// ProcessExifJobs drains up to limit due EXIF jobs. Returns the number that
// completed.
func (p *Pipeline) ProcessExifJobs(limit int) (int, error) {
	if p.exif == nil {
		return 0, nil
	}
	claimed, err := p.store.ClaimEnrichmentJobs("attachment_exif", limit)
	if err != nil {
		return 0, err
	}
	done := 0
	for _, row := range claimed {
		payload, err := p.runExif(row.SHA256)
		if err != nil {
			p.log.Warn().Err(err).Str("sha256", row.SHA256).Msg("exif job failed")
			if ferr := p.store.FailEnrichmentJob("attachment_exif", row, err); ferr != nil {
				return done, ferr
			}
			continue
		}
		if err := p.store.UpsertAttachmentExif(row.SHA256, payload); err != nil {
			return done, err
		}
		done++
	}
	return done, nil
}

func (p *Pipeline) runExif(sha string) (string, error) {
	att, err := p.store.GetAttachment(sha)
	if err != nil {
		return "", err
	}
	data, err := p.store.AttachmentBytes(sha)
	if err != nil {
		return "", err
	}
	mime := ""
	if att != nil {
		mime = att.MimeType
	}
	return p.exif.Extract(data, mime)
}

// ProcessPlaceJobs drains up to limit due reverse-geocode jobs. A job with no
// GPS in its EXIF payload completes with an empty place.
func (p *Pipeline) ProcessPlaceJobs(limit int) (int, error) {
	if p.geocoder == nil {
		return 0, nil
	}
	claimed, err := p.store.ClaimEnrichmentJobs("attachment_places", limit)
	if err != nil {
		return 0, err
	}
	done := 0
	for _, row := range claimed {
		payload, err := p.runPlace(row)
		if err != nil {
			p.log.Warn().Err(err).Str("sha256", row.SHA256).Msg("place job failed")
			if ferr := p.store.FailEnrichmentJob("attachment_places", row, err); ferr != nil {
				return done, ferr
			}
			continue
		}
		if err := p.store.UpsertAttachmentPlace(row.SHA256, row.Lang, payload); err != nil {
			return done, err
		}
		done++
	}
	return done, nil
}

func (p *Pipeline) runPlace(row *store.EnrichmentRow) (string, error) {
	exifPayload, err := p.store.AttachmentExif(row.SHA256)
	if err != nil {
		return "", err
	}
	var exif struct {
		Lat *float64 `json:"lat"`
		Lon *float64 `json:"lon"`
	}
	if exifPayload != "" {
		if err := json.Unmarshal([]byte(exifPayload), &exif); err != nil {
			return "", err
		}
	}
	if exif.Lat == nil || exif.Lon == nil {
		return "{}", nil
	}
	return p.geocoder.ReverseGeocode(*exif.Lat, *exif.Lon, row.Lang)
}

// ProcessAnnotationJobs drains up to limit due annotation jobs. Completing an
// image annotation also queues a tag-autofill job for each linked message.
func (p *Pipeline) ProcessAnnotationJobs(limit int) (int, error) {
	if p.annotator == nil {
		return 0, nil
	}
	claimed, err := p.store.ClaimEnrichmentJobs("attachment_annotations", limit)
	if err != nil {
		return 0, err
	}
	done := 0
	for _, row := range claimed {
		payload, err := p.runAnnotation(row)
		if err != nil {
			p.log.Warn().Err(err).Str("sha256", row.SHA256).Msg("annotation job failed")
			if ferr := p.store.FailEnrichmentJob("attachment_annotations", row, err); ferr != nil {
				return done, ferr
			}
			continue
		}
		kind := store.AnnotationKind(row.Kind)
		if err := p.store.UpsertAttachmentAnnotation(row.SHA256, row.Lang, kind, payload); err != nil {
			return done, err
		}
		if kind == store.AnnotationImage {
			if err := p.enqueueAutofillForLinkedMessages(row.SHA256); err != nil {
				return done, err
			}
		}
		done++
	}
	return done, nil
}

func (p *Pipeline) runAnnotation(row *store.EnrichmentRow) (string, error) {
	att, err := p.store.GetAttachment(row.SHA256)
	if err != nil {
		return "", err
	}
	data, err := p.store.AttachmentBytes(row.SHA256)
	if err != nil {
		return "", err
	}
	mime := ""
	if att != nil {
		mime = att.MimeType
	}
	return p.annotator.Annotate(store.AnnotationKind(row.Kind), data, mime, row.Lang)
}

func (p *Pipeline) enqueueAutofillForLinkedMessages(sha string) error {
	messageIDs, err := p.store.MessageIDsForAttachment(sha)
	if err != nil {
		return err
	}
	for _, id := range messageIDs {
		msg, err := p.store.GetMessage(id)
		if err != nil {
			return err
		}
		if msg == nil || msg.Role != store.RoleUser {
			continue
		}
		if err := p.store.EnqueueTagAutofillJob(id); err != nil {
			return err
		}
	}
	return nil
}

// Drain runs every queue once with the given batch limit.
func (p *Pipeline) Drain(limit int) error {
	if _, err := p.ProcessExifJobs(limit); err != nil {
		return err
	}
	if _, err := p.ProcessPlaceJobs(limit); err != nil {
		return err
	}
	_, err := p.ProcessAnnotationJobs(limit)
	return err
}
