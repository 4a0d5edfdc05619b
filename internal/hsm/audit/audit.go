// Package audit implements the tamper-evident hash-chained audit log every
// HSM provider and the Layer2 Manager append to. The log is a single
// process-wide sink so it survives provider failover.
package audit

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/klingon-exchange/l2dispatch/internal/l2err"
	"github.com/klingon-exchange/l2dispatch/pkg/helpers"
	"github.com/klingon-exchange/l2dispatch/pkg/logging"
)

// Result is a minimal Ok|Err(kind) record, kept separate from l2err's
// full Error type (audit records must never carry secret material, and
// l2err.Error may wrap arbitrary causes).
type Result struct {
	OK   bool
	Kind string // empty when OK
}

// Record is a single tamper-evident audit entry. PrevHash links it to the
// previous record in the same log file; Seq is monotonically increasing
// within that file.
type Record struct {
	Seq       uint64
	Op        string
	Actor     string
	KeyHandle string // hex, empty if not key-related
	InputsHash [32]byte
	Result    Result
	Timestamp time.Time
	PrevHash  [32]byte
	Fallback  bool // true when this op was served by a fallback provider
}

// serialize produces the canonical byte form hashed into the next
// record's PrevHash. It deliberately does not reuse encoding/gob or JSON
// so the wire form is stable across Go versions.
func (r Record) serialize() []byte {
	var buf bytes.Buffer
	binary.Write(&buf, binary.BigEndian, r.Seq)
	helpers.WriteBytes(&buf, []byte(r.Op))
	helpers.WriteBytes(&buf, []byte(r.Actor))
	helpers.WriteBytes(&buf, []byte(r.KeyHandle))
	buf.Write(r.InputsHash[:])
	if r.Result.OK {
		buf.WriteByte(1)
	} else {
		buf.WriteByte(0)
	}
	helpers.WriteBytes(&buf, []byte(r.Result.Kind))
	binary.Write(&buf, binary.BigEndian, r.Timestamp.UnixNano())
	buf.Write(r.PrevHash[:])
	if r.Fallback {
		buf.WriteByte(1)
	} else {
		buf.WriteByte(0)
	}
	return buf.Bytes()
}

// Hash returns the hash of this record's serialized form, which becomes
// the next record's PrevHash.
func (r Record) Hash() [32]byte {
	return sha256.Sum256(r.serialize())
}

// Sink is the process-wide audit log. Every state-changing HSM and
// Manager operation appends through it.
type Sink struct {
	mu       sync.Mutex
	f        *os.File
	path     string
	seq      uint64
	prevHash [32]byte
	log      *logging.Logger
	encrypt  bool
	aead     cipherFunc

	rotateTicker *time.Ticker
	stopRotate   chan struct{}
}

// cipherFunc seals a record payload for at-rest encryption; nil disables
// encryption. Kept as a function value rather than a concrete AEAD type
// so callers can swap the keying scheme without changing Sink.
type cipherFunc func(plaintext []byte) ([]byte, error)

// Config configures a Sink.
type Config struct {
	Path          string
	Encrypt       bool
	Cipher        cipherFunc
	RetentionDays uint32 // default 90
}

// Open creates or appends to the audit log at cfg.Path, re-deriving the
// chain's tip hash by replaying the file so a restarted process continues
// the same chain. A corrupt tail (unreadable record) surfaces
// AuditIntegrity rather than silently truncating.
func Open(cfg Config, log *logging.Logger) (*Sink, error) {
	if log == nil {
		log = logging.GetDefault()
	}
	f, err := os.OpenFile(cfg.Path, os.O_CREATE|os.O_RDWR|os.O_APPEND, 0600)
	if err != nil {
		return nil, l2err.Wrap(l2err.Internal, "failed to open audit log", err)
	}

	s := &Sink{
		f:       f,
		path:    cfg.Path,
		log:     log.Component("audit"),
		encrypt: cfg.Encrypt,
		aead:    cfg.Cipher,
	}

	seq, prev, err := replayTip(cfg.Path)
	if err != nil {
		f.Close()
		return nil, l2err.Wrap(l2err.AuditIntegrity, "audit log failed integrity check on open", err)
	}
	s.seq = seq
	s.prevHash = prev

	return s, nil
}

// replayTip scans the existing file (our own length-prefixed encoding,
// see appendLine) to recover the last sequence number and hash so a
// fresh process continues the chain rather than restarting Seq at 0.
func replayTip(path string) (uint64, [32]byte, error) {
	f, err := os.Open(path)
	if os.IsNotExist(err) {
		return 0, [32]byte{}, nil
	}
	if err != nil {
		return 0, [32]byte{}, err
	}
	defer f.Close()

	var seq uint64
	var prev [32]byte
	for {
		var length uint32
		if err := binary.Read(f, binary.BigEndian, &length); err != nil {
			if err == io.EOF {
				break
			}
			return 0, [32]byte{}, err
		}
		payload := make([]byte, length)
		if _, err := io.ReadFull(f, payload); err != nil {
			return 0, [32]byte{}, fmt.Errorf("truncated audit record at seq %d: %w", seq, err)
		}
		seq++
		prev = sha256.Sum256(payload)
	}
	return seq, prev, nil
}

// Append adds a new record to the chain, computing PrevHash from the
// current tip and advancing Seq. The write is length-prefixed so replay
// can detect a truncated tail.
func (s *Sink) Append(rec Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.seq++
	rec.Seq = s.seq
	rec.PrevHash = s.prevHash
	if rec.Timestamp.IsZero() {
		rec.Timestamp = time.Now()
	}

	payload := rec.serialize()
	if s.encrypt && s.aead != nil {
		sealed, err := s.aead(payload)
		if err != nil {
			return l2err.Wrap(l2err.Internal, "failed to seal audit record", err)
		}
		payload = sealed
	}

	if err := binary.Write(s.f, binary.BigEndian, uint32(len(payload))); err != nil {
		return l2err.Wrap(l2err.Internal, "failed to write audit record length", err)
	}
	if _, err := s.f.Write(payload); err != nil {
		return l2err.Wrap(l2err.Internal, "failed to write audit record", err)
	}
	if err := s.f.Sync(); err != nil {
		return l2err.Wrap(l2err.Internal, "failed to sync audit log", err)
	}

	s.prevHash = sha256.Sum256(rec.serialize())
	return nil
}

// RecordSuccess appends an Ok record for op performed by actor.
func (s *Sink) RecordSuccess(op, actor string, handle string, inputsHash [32]byte, fallback bool) {
	if err := s.Append(Record{Op: op, Actor: actor, KeyHandle: handle, InputsHash: inputsHash, Result: Result{OK: true}, Fallback: fallback}); err != nil {
		s.log.Error("failed to append audit record", "op", op, "error", err)
	}
}

// RecordFailure appends an Err record. It implements l2err.AuditRecorder
// so that constructing an Internal error always pairs it with an entry
// describing the preceding state.
func (s *Sink) RecordFailure(op string, cause error) {
	kind := string(l2err.KindOf(cause))
	if err := s.Append(Record{Op: op, Actor: "system", Result: Result{OK: false, Kind: kind}}); err != nil {
		s.log.Error("failed to append audit failure record", "op", op, "error", err)
	}
}

// RecordRotation inserts a daily rotation marker. Called by a background
// ticker started with StartRotation.
func (s *Sink) RecordRotation() {
	if err := s.Append(Record{Op: "rotate", Actor: "system", Result: Result{OK: true}}); err != nil {
		s.log.Error("failed to append rotation marker", "error", err)
	}
}

// StartRotation begins a background goroutine that inserts a rotation
// marker at each UTC midnight.
func (s *Sink) StartRotation(ctx context.Context) {
	s.stopRotate = make(chan struct{})
	go func() {
		for {
			now := time.Now().UTC()
			next := time.Date(now.Year(), now.Month(), now.Day()+1, 0, 0, 0, 0, time.UTC)
			timer := time.NewTimer(next.Sub(now))
			select {
			case <-timer.C:
				s.RecordRotation()
			case <-ctx.Done():
				timer.Stop()
				return
			case <-s.stopRotate:
				timer.Stop()
				return
			}
		}
	}()
}

// StopRotation stops the rotation goroutine started by StartRotation.
func (s *Sink) StopRotation() {
	if s.stopRotate != nil {
		close(s.stopRotate)
	}
}

// Close flushes and closes the underlying file.
func (s *Sink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.f.Close()
}

// VerifyChain re-reads the whole log and checks every record's PrevHash
// against the hash of its predecessor, returning AuditIntegrity on the
// first break. Intended to run at startup (exit code 4 on failure).
func VerifyChain(path string) error {
	f, err := os.Open(path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return l2err.Wrap(l2err.AuditIntegrity, "failed to open audit log for verification", err)
	}
	defer f.Close()

	var prev [32]byte
	var seq uint64
	for {
		var length uint32
		if err := binary.Read(f, binary.BigEndian, &length); err != nil {
			if err == io.EOF {
				break
			}
			return l2err.Wrap(l2err.AuditIntegrity, "audit log read failed", err)
		}
		payload := make([]byte, length)
		if _, err := io.ReadFull(f, payload); err != nil {
			return l2err.Wrap(l2err.AuditIntegrity, "audit log truncated", err)
		}
		seq++
		// The expected PrevHash for this record equals the hash of the
		// previous record's serialized payload; since we store the raw
		// (possibly encrypted) payload we can only check hash linkage
		// when encryption is disabled. VerifyChain is intended for the
		// common unencrypted deployment; encrypted logs are verified by
		// the provider that holds the decryption key. PrevHash is the
		// 32 bytes just before the trailing Fallback byte.
		if len(payload) < 33 {
			return l2err.New(l2err.AuditIntegrity, fmt.Sprintf("audit record %d too short", seq))
		}
		var got [32]byte
		copy(got[:], payload[len(payload)-33:len(payload)-1])
		if got != prev {
			return l2err.New(l2err.AuditIntegrity, fmt.Sprintf("audit chain broken at record %d", seq))
		}
		prev = sha256.Sum256(payload)
	}
	return nil
}

// NewActorID returns a fresh random actor/correlation id, used when no
// caller-supplied actor identity is available.
func NewActorID() string {
	return uuid.NewString()
}
