package wua

import (
	"testing"

	"github.com/EliaSaSe/windows-update-remote-service-sub000/internal/engine"
)

func TestAggregate(t *testing.T) {
	ok := itemResult{code: engine.ResultSucceeded}
	partial := itemResult{code: engine.ResultSucceededWithErrors}
	failed := itemResult{code: engine.ResultFailed, hresult: 0x80070070}

	tests := []struct {
		name    string
		items   []itemResult
		aborted bool
		want    engine.ResultCode
	}{
		{"empty", nil, false, engine.ResultSucceeded},
		{"all succeeded", []itemResult{ok, ok}, false, engine.ResultSucceeded},
		{"one partial", []itemResult{ok, partial}, false, engine.ResultSucceededWithErrors},
		{"one failed", []itemResult{ok, failed}, false, engine.ResultSucceededWithErrors},
		{"all failed", []itemResult{failed, failed}, false, engine.ResultFailed},
		{"aborted", []itemResult{ok}, true, engine.ResultAborted},
	}
	for _, tt := range tests {
		if got := aggregate(tt.items, tt.aborted); got != tt.want {
			t.Errorf("%s: aggregate = %v, want %v", tt.name, got, tt.want)
		}
	}
}

func TestFirstHResult(t *testing.T) {
	items := []itemResult{
		{code: engine.ResultSucceeded},
		{code: engine.ResultFailed, hresult: 0x80070070},
		{code: engine.ResultFailed, hresult: 0x80240022},
	}
	if got := firstHResult(items, false); got != 0x80070070 {
		t.Fatalf("firstHResult = %#x, want 0x80070070", got)
	}
	if got := firstHResult(nil, true); got != hresultCallCancelled {
		t.Fatalf("aborted job hresult = %#x, want WU_E_CALL_CANCELLED", got)
	}
	if got := firstHResult(nil, false); got != 0 {
		t.Fatalf("clean job hresult = %#x, want 0", got)
	}
}

func TestRebootRequiredIgnoresFailedItems(t *testing.T) {
	items := []itemResult{{code: engine.ResultFailed, rebootRequired: true}}
	if rebootRequired(items) {
		t.Fatal("a failed update must not request a reboot")
	}
	items = append(items, itemResult{code: engine.ResultSucceeded, rebootRequired: true})
	if !rebootRequired(items) {
		t.Fatal("a succeeded update flagged for reboot must request one")
	}
}

func TestPercentAndDiskSpace(t *testing.T) {
	if got := percent(1, 4); got != 25 {
		t.Fatalf("percent(1,4) = %d", got)
	}
	if got := percent(0, 0); got != 100 {
		t.Fatalf("percent of an empty job = %d, want 100", got)
	}
	if got := diskSpaceBytes(2); got != 2*1024*1024 {
		t.Fatalf("diskSpaceBytes(2) = %d", got)
	}
	if got := diskSpaceBytes(-1); got != 0 {
		t.Fatalf("diskSpaceBytes(-1) = %d, want 0", got)
	}
}

func TestAutoSelectionMapping(t *testing.T) {
	if got := autoSelection(3, true); got != engine.AutoSelectionAlways {
		t.Fatalf("mode 3 = %v, want Always", got)
	}
	if got := autoSelection(3, false); got != engine.AutoSelectionUnavailable {
		t.Fatalf("missing property = %v, want Unavailable", got)
	}
	if got := autoSelection(9, true); got != engine.AutoSelectionUnavailable {
		t.Fatalf("unknown mode = %v, want Unavailable", got)
	}
}

func TestParseHResult(t *testing.T) {
	tests := []struct {
		msg  string
		want int
	}{
		{"Exception occurred. (0x8024000E)", 0x8024000E},
		{"search failed: 0x80072efd connection reset", 0x80072EFD},
		{"0x8z bad then 0x80240022", 0x80240022},
		{"no code here", 0},
		{"short 0x802", 0},
	}
	for _, tt := range tests {
		if got := parseHResult(tt.msg); got != tt.want {
			t.Errorf("parseHResult(%q) = %#x, want %#x", tt.msg, got, tt.want)
		}
	}
}
