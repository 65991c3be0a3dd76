// Package payload decides where observation payloads live and reads them back
// transparently.
//
// Payloads at or below the configured threshold are stored inline with the
// owning observation. Larger payloads are offloaded to a BlobStore; the upload
// runs asynchronously so an observation can appear in listings before its
// payload is retrievable. Readers that arrive early get obs.ErrPayloadNotReady
// and retry; an upload that exhausts its retries leaves the payload in a
// terminal failed state, never a partial write.
package payload

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"golang.org/x/time/rate"

	"goa.design/clue/log"

	"goa.design/obs/store/ident"
	"goa.design/obs/store/obs"
	"goa.design/obs/store/retry"
)

// DefaultThreshold is the inline-vs-blob cutoff in bytes.
const DefaultThreshold = 64 << 10

type (
	// BlobStore stores offloaded payload bytes. Implementations must return
	// obs.ErrNotFound from Get for unknown keys.
	BlobStore interface {
		// Put stores data under key. Put must be atomic: a reader never
		// observes a partially written blob.
		Put(ctx context.Context, key string, data []byte) error
		// Get returns the bytes stored under key.
		Get(ctx context.Context, key string) ([]byte, error)
	}

	// Options configures a Store.
	Options struct {
		// Blobs receives offloaded payloads. Required.
		Blobs BlobStore
		// Threshold is the maximum inline payload size in bytes. Defaults to
		// DefaultThreshold.
		Threshold int
		// Retry bounds blob upload retries. Defaults to retry.DefaultConfig.
		Retry retry.Config
		// UploadRate optionally paces blob upload dispatch.
		UploadRate *rate.Limiter
		// OnFailure is invoked once per terminal upload failure with the blob
		// key, so the owning observation can be marked failed. Optional;
		// further callbacks can be registered with Store.OnFailure.
		OnFailure func(ctx context.Context, blobKey string)
	}

	// Store places payloads and reads them back regardless of placement.
	// Safe for concurrent use.
	Store struct {
		blobs     BlobStore
		threshold int
		retryCfg  retry.Config
		limiter   *rate.Limiter

		ctx    context.Context
		cancel context.CancelFunc
		wg     sync.WaitGroup

		mu        sync.Mutex
		pending   map[string]struct{}
		failed    map[string]struct{}
		onFailure []func(ctx context.Context, blobKey string)
	}
)

// New returns a Store backed by the provided blob store.
func New(opts Options) (*Store, error) {
	if opts.Blobs == nil {
		return nil, errors.New("blob store is required")
	}
	threshold := opts.Threshold
	if threshold <= 0 {
		threshold = DefaultThreshold
	}
	cfg := opts.Retry
	if cfg.MaxAttempts == 0 {
		cfg = retry.DefaultConfig()
	}
	ctx, cancel := context.WithCancel(context.Background())
	s := &Store{
		blobs:     opts.Blobs,
		threshold: threshold,
		retryCfg:  cfg,
		limiter:   opts.UploadRate,
		ctx:       ctx,
		cancel:    cancel,
		pending:   make(map[string]struct{}),
		failed:    make(map[string]struct{}),
	}
	if opts.OnFailure != nil {
		s.onFailure = append(s.onFailure, opts.OnFailure)
	}
	return s, nil
}

// OnFailure registers an additional terminal-failure callback. Callbacks run
// in registration order, once per failed upload.
func (s *Store) OnFailure(fn func(ctx context.Context, blobKey string)) {
	if fn == nil {
		return
	}
	s.mu.Lock()
	s.onFailure = append(s.onFailure, fn)
	s.mu.Unlock()
}

// Put places the payload and returns its reference. Small payloads are inlined
// and immediately ready. Large payloads return a pending blob reference and
// upload in the background; Put never waits for the upload. Uploads are
// detached from the caller's context and are bounded by the store's retry
// budget; Close abandons them.
func (s *Store) Put(ctx context.Context, owner ident.ID, mimeType string, data []byte) (obs.PayloadRef, error) {
	if owner.IsZero() {
		return obs.PayloadRef{}, errors.New("payload owner is required")
	}
	if len(data) <= s.threshold {
		return obs.PayloadRef{
			Inline:   append([]byte(nil), data...),
			MIMEType: mimeType,
			Size:     len(data),
			State:    obs.PayloadStateReady,
		}, nil
	}

	key := fmt.Sprintf("%s/%s", owner, ident.New())
	s.mu.Lock()
	s.pending[key] = struct{}{}
	s.mu.Unlock()

	blob := append([]byte(nil), data...)
	s.wg.Add(1)
	go s.upload(log.WithContext(s.ctx, ctx), key, blob)

	return obs.PayloadRef{
		BlobKey:  key,
		MIMEType: mimeType,
		Size:     len(data),
		State:    obs.PayloadStatePending,
	}, nil
}

// Get returns the payload bytes for ref. Offloaded payloads return
// obs.ErrPayloadNotReady while their upload is in flight (here or in another
// process) and obs.ErrPayloadFailed after a terminal failure.
func (s *Store) Get(ctx context.Context, ref obs.PayloadRef) ([]byte, error) {
	if ref.Inlined() {
		return append([]byte(nil), ref.Inline...), nil
	}
	if ref.State == obs.PayloadStateFailed {
		return nil, fmt.Errorf("blob %s: %w", ref.BlobKey, obs.ErrPayloadFailed)
	}

	s.mu.Lock()
	_, isPending := s.pending[ref.BlobKey]
	_, isFailed := s.failed[ref.BlobKey]
	s.mu.Unlock()
	if isFailed {
		return nil, fmt.Errorf("blob %s: %w", ref.BlobKey, obs.ErrPayloadFailed)
	}
	if isPending {
		return nil, fmt.Errorf("blob %s: %w", ref.BlobKey, obs.ErrPayloadNotReady)
	}

	data, err := s.blobs.Get(ctx, ref.BlobKey)
	if err != nil {
		// A missing blob may still be uploading in another process.
		if errors.Is(err, obs.ErrNotFound) {
			return nil, fmt.Errorf("blob %s: %w", ref.BlobKey, obs.ErrPayloadNotReady)
		}
		return nil, fmt.Errorf("get blob %s: %w", ref.BlobKey, err)
	}
	return data, nil
}

// Flush waits for all in-flight uploads to finish. Intended for tests and
// orderly shutdown.
func (s *Store) Flush() {
	s.wg.Wait()
}

// Close abandons in-flight uploads. Abandoned uploads are recorded as failed.
func (s *Store) Close() {
	s.cancel()
	s.wg.Wait()
}

func (s *Store) upload(ctx context.Context, key string, data []byte) {
	defer s.wg.Done()

	err := s.dispatch(ctx, key, data)
	s.mu.Lock()
	delete(s.pending, key)
	if err != nil {
		s.failed[key] = struct{}{}
	}
	callbacks := s.onFailure
	s.mu.Unlock()

	if err != nil {
		log.Error(ctx, err, log.KV{K: "msg", V: "blob upload failed"}, log.KV{K: "blob_key", V: key})
		for _, fn := range callbacks {
			fn(ctx, key)
		}
	}
}

func (s *Store) dispatch(ctx context.Context, key string, data []byte) error {
	if s.limiter != nil {
		if err := s.limiter.Wait(ctx); err != nil {
			return err
		}
	}
	return retry.Do(ctx, s.retryCfg, func(ctx context.Context) error {
		return s.blobs.Put(ctx, key, data)
	})
}
