package ledger

import (
	"context"
	"encoding/json"
	"fmt"
	"iter"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/Mindburn-Labs/qhub/pkg/canonical"
	"github.com/Mindburn-Labs/qhub/pkg/crypto"
	"github.com/Mindburn-Labs/qhub/pkg/merkle"
)

const instrumentationName = "github.com/Mindburn-Labs/qhub/pkg/ledger"

// Head summarizes the current tip of the chain.
type Head struct {
	NextSequence       uint64  `json:"next_sequence"`
	HeadHash           string  `json:"head_hash"`
	LastCheckpoint     *uint64 `json:"last_checkpoint,omitempty"`
	UncheckpointedSize int     `json:"uncheckpointed"`
}

// Option configures a Ledger.
type Option func(*Ledger)

// WithClock overrides clock for testing.
func WithClock(clock func() time.Time) Option {
	return func(l *Ledger) { l.clock = clock }
}

// WithHasher selects the entry hash algorithm for new entries.
func WithHasher(h crypto.Hasher) Option {
	return func(l *Ledger) { l.hasher = h }
}

// WithCheckpointEvery appends a checkpoint automatically after n uncovered
// entries. Zero disables automatic checkpoints.
func WithCheckpointEvery(n int) Option {
	return func(l *Ledger) { l.checkpointEvery = n }
}

// WithKeyRing supplies verifiers for historical keys.
func WithKeyRing(k *crypto.KeyRing) Option {
	return func(l *Ledger) { l.keyring = k }
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(l *Ledger) { l.logger = logger }
}

// WithWriteTimeout bounds each store write.
func WithWriteTimeout(d time.Duration) Option {
	return func(l *Ledger) { l.writeTimeout = d }
}

// WithQueueSize sets the append queue depth.
func WithQueueSize(n int) Option {
	return func(l *Ledger) { l.queueSize = n }
}

type appendResult struct {
	entry Entry
	cp    *Checkpoint
	err   error
}

type appendRequest struct {
	rec        Record
	checkpoint bool
	resp       chan appendResult
}

// Ledger is the single-writer append actor over a Store.
type Ledger struct {
	store           Store
	signer          crypto.Signer
	sigType         string
	keyring         *crypto.KeyRing
	hasher          crypto.Hasher
	clock           func() time.Time
	checkpointEvery int
	writeTimeout    time.Duration
	queueSize       int
	logger          *slog.Logger

	appendDuration metric.Float64Histogram
	appendFailures metric.Int64Counter

	reqs     chan *appendRequest
	quit     chan struct{}
	done     chan struct{}
	stopOnce sync.Once

	// Owned by the writer goroutine.
	nextSeq   uint64
	headHash  string
	lastCP    *uint64
	uncovered []string

	mu   sync.RWMutex
	head Head
}

// New opens a ledger over store, recovering the head from the last stored
// entry, and starts the writer goroutine.
func New(ctx context.Context, store Store, signer crypto.Signer, opts ...Option) (*Ledger, error) {
	l := &Ledger{
		store:        store,
		signer:       signer,
		sigType:      crypto.SigPrefixEd25519 + crypto.SigSeparator + signer.KeyID(),
		clock:        time.Now,
		writeTimeout: 5 * time.Second,
		queueSize:    1024,
		logger:       slog.Default().With("component", "ledger"),
		quit:         make(chan struct{}),
		done:         make(chan struct{}),
	}
	for _, opt := range opts {
		opt(l)
	}
	if l.hasher == nil {
		l.hasher, _ = crypto.NewHasher(crypto.AlgSHA256)
	}
	if l.keyring == nil {
		l.keyring = crypto.NewKeyRing()
	}
	v, err := crypto.NewEd25519Verifier(signer.PublicKeyBytes())
	if err != nil {
		return nil, fmt.Errorf("ledger signer: %w", err)
	}
	l.keyring.AddVerifier(signer.KeyID(), v)

	meter := otel.Meter(instrumentationName)
	if l.appendDuration, err = meter.Float64Histogram("qhub.ledger.append.duration",
		metric.WithDescription("Ledger append latency including the store write"),
		metric.WithUnit("s"),
	); err != nil {
		return nil, err
	}
	if l.appendFailures, err = meter.Int64Counter("qhub.ledger.append.failures",
		metric.WithDescription("Ledger appends that failed to persist"),
	); err != nil {
		return nil, err
	}

	if err := l.recover(ctx); err != nil {
		return nil, err
	}
	l.reqs = make(chan *appendRequest, l.queueSize)
	go l.run()
	return l, nil
}

func (l *Ledger) recover(ctx context.Context) error {
	last, err := l.store.Last(ctx)
	if err != nil {
		return fmt.Errorf("load ledger head: %w", err)
	}
	if last == nil {
		l.nextSeq = 0
		l.headHash = l.hasher.Genesis()
		l.publishHead()
		return nil
	}
	l.nextSeq = last.Sequence + 1
	l.headHash = last.EntryHash

	cp, err := l.store.LastCheckpoint(ctx)
	if err != nil {
		return fmt.Errorf("load last checkpoint: %w", err)
	}
	from := uint64(0)
	if cp != nil {
		seq := cp.Sequence
		l.lastCP = &seq
		from = seq + 1
	}
	for e, err := range scan(ctx, l.store, Filter{}, from) {
		if err != nil {
			return fmt.Errorf("load uncheckpointed entries: %w", err)
		}
		l.uncovered = append(l.uncovered, e.EntryHash)
	}
	l.publishHead()
	l.logger.InfoContext(ctx, "ledger recovered", "next_sequence", l.nextSeq, "uncheckpointed", len(l.uncovered))
	return nil
}

// Append enqueues rec and waits for it to be durably written. Once the
// writer has accepted a request it runs to completion even if ctx ends, so a
// caller that retries never produces a duplicate entry for one accepted write.
func (l *Ledger) Append(ctx context.Context, rec Record) (Entry, error) {
	res, err := l.submit(ctx, &appendRequest{rec: rec})
	return res.entry, err
}

// Checkpoint appends a signed Merkle checkpoint over all entries since the
// previous checkpoint.
func (l *Ledger) Checkpoint(ctx context.Context) (*Checkpoint, error) {
	res, err := l.submit(ctx, &appendRequest{checkpoint: true})
	return res.cp, err
}

func (l *Ledger) submit(ctx context.Context, req *appendRequest) (appendResult, error) {
	req.resp = make(chan appendResult, 1)
	select {
	case <-l.quit:
		return appendResult{}, ErrClosed
	default:
	}
	select {
	case l.reqs <- req:
	case <-ctx.Done():
		return appendResult{}, ctx.Err()
	case <-l.quit:
		return appendResult{}, ErrClosed
	}
	select {
	case res := <-req.resp:
		return res, res.err
	case <-l.done:
		select {
		case res := <-req.resp:
			return res, res.err
		default:
			return appendResult{}, ErrClosed
		}
	}
}

// Close stops the writer after draining queued requests.
func (l *Ledger) Close() error {
	l.stopOnce.Do(func() { close(l.quit) })
	<-l.done
	return nil
}

func (l *Ledger) run() {
	defer close(l.done)
	for {
		select {
		case req := <-l.reqs:
			l.handle(req)
		case <-l.quit:
			for {
				select {
				case req := <-l.reqs:
					l.handle(req)
				default:
					return
				}
			}
		}
	}
}

func (l *Ledger) handle(req *appendRequest) {
	if req.checkpoint {
		cp, entry, err := l.writeCheckpoint()
		req.resp <- appendResult{entry: entry, cp: cp, err: err}
		return
	}
	entry, err := l.write(req.rec)
	req.resp <- appendResult{entry: entry, err: err}
	if err == nil && l.checkpointEvery > 0 && len(l.uncovered) >= l.checkpointEvery {
		if _, _, err := l.writeCheckpoint(); err != nil {
			l.logger.Error("automatic checkpoint failed", "error", err)
		}
	}
}

func (l *Ledger) write(rec Record) (Entry, error) {
	start := time.Now()
	rec.RecordedAt = normalizeTime(l.clock())
	payload, err := canonical.Marshal(rec)
	if err != nil {
		return Entry{}, fmt.Errorf("canonicalize ledger record: %w", err)
	}

	seq := l.nextSeq
	hash := ComputeHash(l.hasher, seq, l.headHash, payload)
	sig, err := l.signer.Sign([]byte(hash))
	if err != nil {
		return Entry{}, fmt.Errorf("sign entry %d: %w", seq, err)
	}

	entry := Entry{
		Sequence:           seq,
		PrevHash:           l.headHash,
		EntryHash:          hash,
		Payload:            payload,
		Signature:          sig,
		SignatureType:      l.sigType,
		Timestamp:          rec.RecordedAt,
		Operation:          rec.Operation,
		ClientID:           rec.ClientID,
		JobID:              rec.JobID,
		DataClassification: rec.DataClassification,
	}

	ctx, cancel := context.WithTimeout(context.Background(), l.writeTimeout)
	defer cancel()
	if err := l.store.Append(ctx, entry); err != nil {
		l.appendFailures.Add(ctx, 1, metric.WithAttributes(attribute.String("operation", rec.Operation)))
		return Entry{}, fmt.Errorf("persist entry %d: %w", seq, err)
	}

	l.nextSeq = seq + 1
	l.headHash = hash
	if rec.Operation == OpCheckpoint {
		s := seq
		l.lastCP = &s
		l.uncovered = l.uncovered[:0]
	} else {
		l.uncovered = append(l.uncovered, hash)
	}
	l.publishHead()
	l.appendDuration.Record(ctx, time.Since(start).Seconds(), metric.WithAttributes(attribute.String("operation", rec.Operation)))
	return entry, nil
}

func (l *Ledger) writeCheckpoint() (*Checkpoint, Entry, error) {
	if len(l.uncovered) == 0 {
		return nil, Entry{}, ErrNoNewEntries
	}
	tree := merkle.BuildFromStrings(l.uncovered)
	rootSig, err := l.signer.Sign([]byte(tree.Root))
	if err != nil {
		return nil, Entry{}, fmt.Errorf("sign checkpoint root: %w", err)
	}
	cp := Checkpoint{
		Root:          tree.Root,
		EntryCount:    len(l.uncovered),
		FromSeq:       l.nextSeq - uint64(len(l.uncovered)),
		ToSeq:         l.nextSeq - 1,
		RootSignature: rootSig,
		SignatureType: l.sigType,
	}
	data, err := json.Marshal(cp)
	if err != nil {
		return nil, Entry{}, fmt.Errorf("encode checkpoint: %w", err)
	}
	entry, err := l.write(Record{Operation: OpCheckpoint, Data: data})
	if err != nil {
		return nil, Entry{}, err
	}
	cp.Sequence = entry.Sequence
	l.logger.Info("ledger checkpoint", "sequence", entry.Sequence, "from", cp.FromSeq, "to", cp.ToSeq, "root", cp.Root)
	return &cp, entry, nil
}

func (l *Ledger) publishHead() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.head = Head{
		NextSequence:       l.nextSeq,
		HeadHash:           l.headHash,
		UncheckpointedSize: len(l.uncovered),
	}
	if l.lastCP != nil {
		s := *l.lastCP
		l.head.LastCheckpoint = &s
	}
}

// Head returns a snapshot of the chain tip.
func (l *Ledger) Head() Head {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.head
}

// Store exposes the underlying store for read paths.
func (l *Ledger) Store() Store {
	return l.store
}

// KeyRing returns the verifiers trusted by this ledger.
func (l *Ledger) KeyRing() *crypto.KeyRing {
	return l.keyring
}

// PublicKey returns the hex public key of the active signer.
func (l *Ledger) PublicKey() string {
	return l.signer.PublicKey()
}

// Auditor returns a verifier bound to this ledger's store and keys.
func (l *Ledger) Auditor() *Auditor {
	return NewAuditor(l.store, l.keyring)
}

// VerifyChain verifies entries from..to inclusive. See Auditor.VerifyChain.
func (l *Ledger) VerifyChain(ctx context.Context, from, to uint64) (VerifyResult, error) {
	return l.Auditor().VerifyChain(ctx, from, to)
}

// Search streams matching entries lazily in ascending sequence order.
func (l *Ledger) Search(ctx context.Context, f Filter) iter.Seq2[Entry, error] {
	return Search(ctx, l.store, f)
}

// Prove builds an inclusion proof for seq. See Auditor.Prove.
func (l *Ledger) Prove(ctx context.Context, seq uint64) (*Proof, error) {
	return l.Auditor().Prove(ctx, seq)
}

// VerifyCheckpoint recomputes and checks the checkpoint at seq.
func (l *Ledger) VerifyCheckpoint(ctx context.Context, seq uint64) (*Checkpoint, error) {
	return l.Auditor().VerifyCheckpoint(ctx, seq)
}
