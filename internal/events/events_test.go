package events

import "testing"

func TestEmitInvokesHandlersInOrder(t *testing.T) {
	Reset()
	defer Reset()

	var got []string
	On("job.sent", func(data interface{}) {
		got = append(got, "first:"+data.(string))
	})
	On("job.sent", func(data interface{}) {
		got = append(got, "second:"+data.(string))
	})

	Emit("job.sent", "job-1")

	if len(got) != 2 || got[0] != "first:job-1" || got[1] != "second:job-1" {
		t.Errorf("unexpected handler invocations: %v", got)
	}
}

func TestEmitWithoutHandlersIsNoop(t *testing.T) {
	Reset()
	defer Reset()
	Emit("nobody.listens", 42)
}

func TestHandlersAreScopedToEvent(t *testing.T) {
	Reset()
	defer Reset()

	calls := 0
	On("job.sent", func(interface{}) { calls++ })

	Emit("job.failed", nil)
	if calls != 0 {
		t.Errorf("handler fired for a different event, calls=%d", calls)
	}
	Emit("job.sent", nil)
	if calls != 1 {
		t.Errorf("expected one call, got %d", calls)
	}
}

func TestResetRemovesHandlers(t *testing.T) {
	Reset()
	calls := 0
	On("job.sent", func(interface{}) { calls++ })
	Reset()
	Emit("job.sent", nil)
	if calls != 0 {
		t.Errorf("handler survived reset, calls=%d", calls)
	}
}
