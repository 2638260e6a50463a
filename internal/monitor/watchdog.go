package monitor

import (
	"strings"

	"github.com/rs/zerolog/log"
)

// Watchdog scans execution output for signs that code slipped past static
// validation and probed the container boundary. Detections never change the
// outcome; they feed logs and metrics so operators see probing attempts.
type Watchdog struct {
	metrics *Metrics
}

// Signal is one suspicious observation in execution output.
type Signal struct {
	Pattern string `json:"pattern"`
	Detail  string `json:"detail"`
}

func NewWatchdog(metrics *Metrics) *Watchdog {
	return &Watchdog{metrics: metrics}
}

var outputSignals = []struct {
	pattern string
	substr  string
	detail  string
}{
	{"passwd_leak", "root:x:0:0", "rootfs /etc/passwd contents in output"},
	{"kernel_leak", "Linux version", "kernel version string in output"},
	{"docker_socket", "docker.sock", "docker control socket referenced in output"},
	{"containerd_socket", "containerd.sock", "containerd control socket referenced in output"},
	{"cgroup_probe", "/sys/fs/cgroup", "cgroup hierarchy referenced in output"},
	{"proc_self_probe", "/proc/self/", "process introspection paths in output"},
	{"metadata_service", "169.254.169.254", "cloud metadata address in output"},
}

// Inspect scans combined stdout and stderr of one execution.
func (w *Watchdog) Inspect(execID, output string) []Signal {
	var signals []Signal

	for _, p := range outputSignals {
		if !strings.Contains(output, p.substr) {
			continue
		}
		signals = append(signals, Signal{Pattern: p.pattern, Detail: p.detail})

		log.Warn().
			Str("exec_id", execID).
			Str("pattern", p.pattern).
			Msg("suspicious content in execution output")

		if w.metrics != nil {
			w.metrics.RecordEscapeSignal(p.pattern)
		}
	}

	return signals
}
