// Package offload implements the signature-offloading worker pool: a pool
// of worker goroutines, each holding a key registry, that the storage
// engine submits sign/verify batches to.
//
// Shape grounded on core/connection_pool.go: a mutex-guarded registry, a
// background-goroutine-per-worker model, and a sync.Once-guarded Close.
package offload

import (
	"context"
	"fmt"
	"runtime"
	"sync"

	"github.com/openodin/core/internal/nodecrypto"
)

// ToBeSigned is one item of a sign batch.
type ToBeSigned struct {
	Index     int
	Message   []byte
	PublicKey nodecrypto.PublicKey
}

// SignedResult is one item of a sign batch's result.
type SignedResult struct {
	Index     int
	Signature []byte
}

// SignaturesCollection is one item of a verify batch: a message index and
// every signature that must validate for that index to verify.
type SignaturesCollection struct {
	Index      int
	Message    []byte
	PublicKeys []nodecrypto.PublicKey
	Signatures [][]byte
}

type signJob struct {
	items []ToBeSigned
	reply chan []SignedResult
}

type verifyJob struct {
	items []SignaturesCollection
	reply chan []int
}

// Pool is the round-robin worker pool. N workers
// run as OS goroutines (or a single worker when configured single-threaded,
// for environments without real concurrency — e.g. constrained test
// sandboxes); callers submit a batch and await one reply.
type Pool struct {
	workers []*worker
	mu      sync.Mutex
	closed  bool
	closeCh chan struct{}
	once    sync.Once
}

type worker struct {
	id       int
	keys     map[string]nodecrypto.KeyPair // keyed by Type:hex(PublicKey.Bytes)
	keysMu   sync.RWMutex
	signIn   chan signJob
	verifyIn chan verifyJob
	done     chan struct{}
}

// New starts a pool of n worker goroutines. n <= 0 defaults to
// runtime.NumCPU(); n == 1 runs everything on a single cooperative worker,
// a fallback for environments without threads.
func New(n int) *Pool {
	if n <= 0 {
		n = runtime.NumCPU()
		if n < 1 {
			n = 1
		}
	}
	p := &Pool{closeCh: make(chan struct{})}
	for i := 0; i < n; i++ {
		w := &worker{
			id:       i,
			keys:     make(map[string]nodecrypto.KeyPair),
			signIn:   make(chan signJob),
			verifyIn: make(chan verifyJob),
			done:     make(chan struct{}),
		}
		p.workers = append(p.workers, w)
		go w.run(p.closeCh)
	}
	return p
}

func (w *worker) run(closeCh <-chan struct{}) {
	defer close(w.done)
	for {
		select {
		case <-closeCh:
			return
		case job := <-w.signIn:
			job.reply <- w.sign(job.items)
		case job := <-w.verifyIn:
			job.reply <- w.verify(job.items)
		}
	}
}

func keyID(pub nodecrypto.PublicKey) string {
	return fmt.Sprintf("%d:%x", pub.Type, pub.Bytes)
}

// AddKeyPair broadcasts a keypair to every worker's registry.
func (p *Pool) AddKeyPair(kp nodecrypto.KeyPair) {
	p.mu.Lock()
	workers := append([]*worker(nil), p.workers...)
	p.mu.Unlock()
	for _, w := range workers {
		w.keysMu.Lock()
		w.keys[keyID(kp.Public)] = kp
		w.keysMu.Unlock()
	}
}

func (w *worker) findKey(pub nodecrypto.PublicKey) (nodecrypto.KeyPair, bool) {
	w.keysMu.RLock()
	defer w.keysMu.RUnlock()
	kp, ok := w.keys[keyID(pub)]
	return kp, ok
}

func (w *worker) sign(items []ToBeSigned) []SignedResult {
	out := make([]SignedResult, 0, len(items))
	for _, item := range items {
		kp, ok := w.findKey(item.PublicKey)
		if !ok {
			return nil // fail-fast: caller treats this as a full batch failure
		}
		sig, err := kp.Sign(item.Message)
		if err != nil {
			return nil
		}
		out = append(out, SignedResult{Index: item.Index, Signature: sig})
	}
	return out
}

func (w *worker) verify(items []SignaturesCollection) []int {
	var verified []int
	for _, item := range items {
		if len(item.PublicKeys) != len(item.Signatures) {
			continue // malformed collection: not verified
		}
		ok := true
		for i := range item.Signatures {
			if !nodecrypto.Verify(item.PublicKeys[i], item.Message, item.Signatures[i]) {
				ok = false
				break // short-circuit on first failing signature
			}
		}
		if ok {
			verified = append(verified, item.Index)
		}
	}
	return verified
}

// distribute splits n items into len(workers) contiguous, near-equal chunks.
func distribute(n, workers int) []int {
	bounds := make([]int, workers+1)
	base, rem := n/workers, n%workers
	pos := 0
	for i := 0; i < workers; i++ {
		bounds[i] = pos
		size := base
		if i < rem {
			size++
		}
		pos += size
	}
	bounds[workers] = n
	return bounds
}

// SignBatch submits items round-robin across the pool's workers and
// collects every SignedResult. if ANY item fails to sign
// (no matching key, or a signing error), the whole batch is reported as
// failed via a zero-length result rather than a partial one.
func (p *Pool) SignBatch(ctx context.Context, items []ToBeSigned) ([]SignedResult, error) {
	p.mu.Lock()
	closed := p.closed
	workers := append([]*worker(nil), p.workers...)
	p.mu.Unlock()
	if closed {
		return nil, ErrClosed
	}
	if len(items) == 0 {
		return nil, nil
	}
	bounds := distribute(len(items), len(workers))
	replies := make([]chan []SignedResult, len(workers))
	for i, w := range workers {
		chunk := items[bounds[i]:bounds[i+1]]
		reply := make(chan []SignedResult, 1)
		replies[i] = reply
		if len(chunk) == 0 {
			reply <- nil
			continue
		}
		select {
		case w.signIn <- signJob{items: chunk, reply: reply}:
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-p.closeCh:
			return nil, ErrClosed
		}
	}
	results := make([]SignedResult, 0, len(items))
	for i, reply := range replies {
		select {
		case r := <-reply:
			if r == nil && bounds[i+1] > bounds[i] {
				return nil, nil // one worker's chunk failed: fail the whole batch
			}
			results = append(results, r...)
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return results, nil
}

// VerifyBatch submits collections round-robin and returns the indexes of
// every collection whose signatures all verified.
func (p *Pool) VerifyBatch(ctx context.Context, items []SignaturesCollection) ([]int, error) {
	p.mu.Lock()
	closed := p.closed
	workers := append([]*worker(nil), p.workers...)
	p.mu.Unlock()
	if closed {
		return nil, ErrClosed
	}
	if len(items) == 0 {
		return nil, nil
	}
	bounds := distribute(len(items), len(workers))
	replies := make([]chan []int, len(workers))
	for i, w := range workers {
		chunk := items[bounds[i]:bounds[i+1]]
		reply := make(chan []int, 1)
		replies[i] = reply
		if len(chunk) == 0 {
			reply <- nil
			continue
		}
		select {
		case w.verifyIn <- verifyJob{items: chunk, reply: reply}:
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-p.closeCh:
			return nil, ErrClosed
		}
	}
	var verified []int
	for _, reply := range replies {
		select {
		case r := <-reply:
			verified = append(verified, r...)
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return verified, nil
}

// ErrClosed is returned by SignBatch/VerifyBatch once Close has run.
var ErrClosed = fmt.Errorf("offload: pool closed")

// Close terminates all workers and rejects pending/future batches. Coarse
// cancellation: in-flight jobs are not individually cancelled, the close
// signal simply stops further scheduling.
func (p *Pool) Close() {
	p.once.Do(func() {
		p.mu.Lock()
		p.closed = true
		workers := append([]*worker(nil), p.workers...)
		p.mu.Unlock()
		close(p.closeCh)
		for _, w := range workers {
			<-w.done
		}
	})
}
