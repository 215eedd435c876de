package engine

import "testing"

func TestFormatHResult(t *testing.T) {
	tests := []struct {
		hr   int
		want string
	}{
		{0x8024000E, "0x8024000E: WU_E_OPERATIONINPROGRESS: another conflicting operation was in progress"},
		{0x80070070, "0x80070070: ERROR_DISK_FULL: there is not enough space on the disk"},
		{0x12345678, "0x12345678: unknown HRESULT"},
	}
	for _, tt := range tests {
		if got := FormatHResult(tt.hr); got != tt.want {
			t.Errorf("FormatHResult(%#x) = %q, want %q", tt.hr, got, tt.want)
		}
	}
}

func TestHResultClassifiers(t *testing.T) {
	if !IsOperationInProgress(0x8024000E) {
		t.Error("0x8024000E should be operation in progress")
	}
	if !IsAccessDenied(0x80070005) {
		t.Error("0x80070005 should be access denied")
	}
	if !IsNetworkError(0x8024402C) {
		t.Error("0x8024402C should be a network error")
	}
	if IsNetworkError(0x8024000E) {
		t.Error("0x8024000E is not a network error")
	}
}

func TestResultCode(t *testing.T) {
	if ResultSucceededWithErrors.String() != "SucceededWithErrors" {
		t.Fatalf("String() = %q", ResultSucceededWithErrors.String())
	}
	if ResultCode(42).String() != "Unknown" {
		t.Fatalf("unknown code String() = %q", ResultCode(42).String())
	}
	if !ResultSucceeded.Succeeded() || !ResultSucceededWithErrors.Succeeded() {
		t.Fatal("success codes should report Succeeded")
	}
	if ResultAborted.Succeeded() || ResultFailed.Succeeded() {
		t.Fatal("failure codes should not report Succeeded")
	}
}
