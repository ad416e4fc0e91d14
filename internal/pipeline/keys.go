package pipeline

import (
	"fmt"
	"strconv"

	"github.com/vodsync/vodsync/internal/model"
	"github.com/vodsync/vodsync/internal/pathcrypt"
)

// keyBuilder derives deterministic object keys for one store. Path segments
// carrying the title are encrypted so listing a bucket reveals nothing;
// the same record always maps to the same keys, which is what makes
// head-before-put idempotency work.
type keyBuilder struct {
	prefix string
	cipher *pathcrypt.Cipher
}

func newKeyBuilder(prefix, secret string) (*keyBuilder, error) {
	c, err := pathcrypt.New(secret)
	if err != nil {
		return nil, err
	}
	return &keyBuilder{prefix: prefix, cipher: c}, nil
}

// basePath returns the raw and encrypted per-record path segments.
func (k *keyBuilder) basePath(rec *model.VideoRecord) (raw, enc string, err error) {
	raw = rec.Title + "|" + rec.ID
	enc, err = k.cipher.Encrypt(raw)
	if err != nil {
		return "", "", fmt.Errorf("encrypt base path for %s: %w", rec.ID, err)
	}
	return raw, enc, nil
}

// coverKey returns the object key for a record's cover image.
func (k *keyBuilder) coverKey(rec *model.VideoRecord) (string, error) {
	_, enc, err := k.basePath(rec)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%s/%s/%s/cover.jpg", k.prefix, rec.ID, enc), nil
}

// episodeKey returns the object key for one episode's playlist. Episodes
// are 1-based to match the source API's numbering.
func (k *keyBuilder) episodeKey(rec *model.VideoRecord, episode int) (string, error) {
	_, enc, err := k.basePath(rec)
	if err != nil {
		return "", err
	}
	ep := strconv.Itoa(episode)
	epEnc, err := k.cipher.Encrypt(rec.Title + "|" + rec.ID + "|" + ep)
	if err != nil {
		return "", fmt.Errorf("encrypt episode path for %s/%s: %w", rec.ID, ep, err)
	}
	return fmt.Sprintf("%s/%s/%s/%s/%s/origin.m3u8", k.prefix, rec.ID, enc, ep, epEnc), nil
}
