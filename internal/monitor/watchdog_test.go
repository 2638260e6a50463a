package monitor

import "testing"

func TestWatchdogInspect(t *testing.T) {
	w := NewWatchdog(NewMetrics())

	tests := []struct {
		name    string
		output  string
		want    int
		pattern string
	}{
		{
			name:   "clean output",
			output: "hello world\n42\n",
			want:   0,
		},
		{
			name:    "passwd contents",
			output:  "root:x:0:0:root:/root:/bin/bash\n",
			want:    1,
			pattern: "passwd_leak",
		},
		{
			name:    "cgroup probe",
			output:  "FileNotFoundError: /sys/fs/cgroup/memory\n",
			want:    1,
			pattern: "cgroup_probe",
		},
		{
			name:   "multiple signals",
			output: "Linux version 6.1.0\n/proc/self/maps\n",
			want:   2,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			signals := w.Inspect("test-exec", tt.output)
			if len(signals) != tt.want {
				t.Fatalf("got %d signals, want %d: %+v", len(signals), tt.want, signals)
			}
			if tt.pattern != "" && signals[0].Pattern != tt.pattern {
				t.Errorf("pattern = %q, want %q", signals[0].Pattern, tt.pattern)
			}
		})
	}
}

func TestWatchdogNilMetrics(t *testing.T) {
	w := NewWatchdog(nil)
	if got := w.Inspect("test-exec", "root:x:0:0"); len(got) != 1 {
		t.Fatalf("got %d signals, want 1", len(got))
	}
}
