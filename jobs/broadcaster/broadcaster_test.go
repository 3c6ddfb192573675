package broadcaster

import (
	"errors"
	"testing"

	"github.com/IBM/sarama/mocks"
	"go.uber.org/zap"

	"fenrir/journal"
)

func openJournal(t *testing.T) *journal.Journal {
	t.Helper()
	j, err := journal.Open(t.TempDir())
	if err != nil {
		t.Fatalf("open journal: %v", err)
	}
	t.Cleanup(func() { j.Close() })
	return j
}

func TestReplayAcksDelivered(t *testing.T) {
	j := openJournal(t)
	s1, _ := j.Append(journal.Event{Kind: journal.KindWorkStolen, Source: "sched", NowNS: 1})
	s2, _ := j.Append(journal.Event{Kind: journal.KindGracePeriodDone, Source: "rcu", NowNS: 2})

	producer := mocks.NewSyncProducer(t, nil)
	producer.ExpectSendMessageAndSucceed()
	producer.ExpectSendMessageAndSucceed()

	b := NewWithProducer(j, producer, "telemetry", zap.NewNop())
	n, err := b.ReplayOnce()
	if err != nil {
		t.Fatalf("replay: %v", err)
	}
	if n != 2 {
		t.Fatalf("acked %d, want 2", n)
	}
	for _, seq := range []uint64{s1, s2} {
		_, state, _, _ := j.Get(seq)
		if state != journal.StateAcked {
			t.Fatalf("seq %d state = %v, want ACKED", seq, state)
		}
	}
}

func TestFailedSendStaysPending(t *testing.T) {
	j := openJournal(t)
	seq, _ := j.Append(journal.Event{Kind: journal.KindRcuStall, Source: "rcu", NowNS: 1})

	producer := mocks.NewSyncProducer(t, nil)
	producer.ExpectSendMessageAndFail(errors.New("broker down"))

	b := NewWithProducer(j, producer, "telemetry", zap.NewNop())
	n, err := b.ReplayOnce()
	if err != nil {
		t.Fatalf("replay: %v", err)
	}
	if n != 0 {
		t.Fatalf("acked %d, want 0", n)
	}
	_, state, retries, _ := j.Get(seq)
	if state != journal.StateSent || retries != 1 {
		t.Fatalf("state=%v retries=%d, want SENT/1", state, retries)
	}

	// Next pass retries and succeeds.
	producer.ExpectSendMessageAndSucceed()
	n, _ = b.ReplayOnce()
	if n != 1 {
		t.Fatalf("retry acked %d, want 1", n)
	}
	_, state, retries, _ = j.Get(seq)
	if state != journal.StateAcked || retries != 2 {
		t.Fatalf("state=%v retries=%d, want ACKED/2", state, retries)
	}
}

func TestReplayPayloadDecodes(t *testing.T) {
	j := openJournal(t)
	j.Append(journal.Event{Kind: journal.KindLockStarvation, Source: "lock", Detail: "thread 9", NowNS: 7})

	producer := mocks.NewSyncProducer(t, nil)
	producer.ExpectSendMessageWithCheckerFunctionAndSucceed(func(val []byte) error {
		ev, err := journal.Decode(val)
		if err != nil {
			return err
		}
		if ev.Kind != journal.KindLockStarvation || ev.Detail != "thread 9" {
			return errors.New("payload mismatch")
		}
		return nil
	})

	b := NewWithProducer(j, producer, "telemetry", zap.NewNop())
	if n, err := b.ReplayOnce(); err != nil || n != 1 {
		t.Fatalf("replay = %d/%v, want 1/nil", n, err)
	}
}
