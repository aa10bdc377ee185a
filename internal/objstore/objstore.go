// SPDX-License-Identifier: MIT

// Package objstore stores pipeline artifacts (videos, audio, clips)
// addressed by slash-separated keys, with time-limited signed URLs for
// handing artifacts to remote services.
package objstore

import (
	"context"
	"errors"
	"io"
	"time"
)

// ErrNotFound reports a Get for a key that does not exist.
var ErrNotFound = errors.New("object not found")

// Store is the artifact store the stage executors write to.
type Store interface {
	// Put streams src into the object at key and returns the byte count.
	Put(ctx context.Context, key string, src io.Reader) (int64, error)
	// Get opens the object for reading. The caller closes it.
	Get(ctx context.Context, key string) (io.ReadCloser, error)
	// Delete removes the object. Deleting a missing key is not an error.
	Delete(ctx context.Context, key string) error
	// List returns the keys under the prefix, sorted.
	List(ctx context.Context, prefix string) ([]string, error)
	// SignedURL returns a URL that grants reads of key until the TTL
	// runs out.
	SignedURL(key string, ttl time.Duration) (string, error)
}

// Key layout. Mirrors the staging layout so local and stored artifacts
// correspond one to one.

func VideoKey(videoID string) string { return "videos/" + videoID + ".mp4" }

func AudioKey(videoID string) string { return "audio/" + videoID + ".wav" }

func ClipKey(videoID, momentID string) string {
	return "clips/" + videoID + "/" + momentID + ".mp4"
}

// ClipPrefix addresses every clip of one video.
func ClipPrefix(videoID string) string { return "clips/" + videoID + "/" }
