package interceptor

import "testing"

func TestShouldIntercept(t *testing.T) {
	tests := []struct {
		name      string
		selection Selection
		symbol    string
		want      bool
	}{
		{
			name:      "default includes driver symbols",
			selection: DefaultSelection(),
			symbol:    "cuLaunchKernel",
			want:      true,
		},
		{
			name:      "cupti symbols share the cu prefix",
			selection: DefaultSelection(),
			symbol:    "cuptiCheckpointSave",
			want:      true,
		},
		{
			name:      "non cuda symbol",
			selection: DefaultSelection(),
			symbol:    "malloc",
			want:      false,
		},
		{
			name:      "empty include traces everything",
			selection: Selection{},
			symbol:    "malloc",
			want:      true,
		},
		{
			name:      "exclude wins over include",
			selection: Selection{Include: []string{"cu*"}, Exclude: []string{"cuMemcpy*"}},
			symbol:    "cuMemcpyHtoD_v2",
			want:      false,
		},
		{
			name:      "prefix pattern",
			selection: Selection{Include: []string{"cuStream..."}},
			symbol:    "cuStreamSynchronize",
			want:      true,
		},
		{
			name:      "exact include",
			selection: Selection{Include: []string{"cuInit"}},
			symbol:    "cuInit_v2",
			want:      false,
		},
		{
			name:      "proc address lookups are always excluded",
			selection: Selection{},
			symbol:    "cuGetProcAddress_v2",
			want:      false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.selection.ShouldIntercept(tt.symbol); got != tt.want {
				t.Errorf("ShouldIntercept(%q) = %v, want %v", tt.symbol, got, tt.want)
			}
		})
	}
}

func TestDescribe(t *testing.T) {
	if got := Describe("cuInit", []uint64{0}); got != "flags=0" {
		t.Errorf("unexpected cuInit detail %q", got)
	}
	if got := Describe("cuMemcpyHtoD_v2", []uint64{0x10, 0x20, 4096}); got != "dst=0x10 bytes=4096" {
		t.Errorf("unexpected memcpy detail %q", got)
	}
	if got := Describe("cuModuleUnload", []uint64{1}); got != "" {
		t.Errorf("expected no detail for unknown symbol, got %q", got)
	}
	// short argument lists must not panic
	Describe("cuLaunchKernel", nil)

	if got := DescribeResult(999); got != "CUDA_ERROR_UNKNOWN" {
		t.Errorf("unexpected result name %q", got)
	}
	if got := DescribeResult(12345); got != "CUresult(12345)" {
		t.Errorf("unexpected fallback name %q", got)
	}
}
