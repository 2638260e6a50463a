package seccomp

import (
	"encoding/json"

	specs "github.com/opencontainers/runtime-spec/specs-go"
)

// interpreterSyscalls allowlists what CPython needs to start, import from the
// stdlib, run pure-Python code, and flush its streams. File syscalls stay
// open because imports read the interpreter tree; the mount namespace and
// read-only rootfs bound what those reads can reach.
func interpreterSyscalls(b *ProfileBuilder) *ProfileBuilder {
	return b.
		AllowSyscalls(
			"read", "write", "readv", "writev", "pread64", "pwrite64",
			"open", "openat", "close", "lseek",
			"stat", "fstat", "lstat", "newfstatat",
			"access", "faccessat", "faccessat2",
			"dup", "dup2", "dup3",
			"fcntl",
			"poll", "ppoll", "select", "pselect6",
			"pipe", "pipe2",
			"readlink", "readlinkat",
			"getdents64",
		).
		AllowSyscalls(
			"brk", "mmap", "munmap", "mprotect", "mremap",
			"madvise",
		).
		AllowSyscalls(
			"execve",
			"exit", "exit_group",
			"wait4", "waitid",
			"clone", "clone3",
			"set_tid_address",
			"set_robust_list", "get_robust_list",
			"rseq",
		).
		AllowSyscalls(
			"futex",
			"gettid",
			"tgkill",
			"rt_sigaction", "rt_sigprocmask", "rt_sigreturn",
			"sigaltstack",
		).
		AllowSyscalls(
			"clock_gettime", "clock_getres",
			"gettimeofday",
			"nanosleep", "clock_nanosleep",
		).
		AllowSyscalls(
			"getpid", "getppid",
			"getuid", "geteuid",
			"getgid", "getegid",
			"uname",
			"getcwd",
		).
		AllowSyscalls(
			"epoll_create1", "epoll_ctl", "epoll_wait", "epoll_pwait",
			"eventfd2",
		).
		AllowSyscalls(
			"getrandom",
			"arch_prctl",
			"prctl",
			"ioctl",
			"sysinfo",
			"getrlimit", "prlimit64",
			"umask",
			"ftruncate",
			"fsync", "fdatasync",
			"flock",
			"statfs", "fstatfs",
			"statx",
			"unlink", "unlinkat",
			"mkdir", "mkdirat",
			"rmdir",
			"rename", "renameat", "renameat2",
			"memfd_create",
		)
}

// escapeSyscalls covers syscalls that only matter to sandbox escapes.
// Introspection and module-loading primitives trap so a violation shows up
// loudly; the namespace and mount controls get a hard errno.
func escapeSyscalls(b *ProfileBuilder) *ProfileBuilder {
	return b.
		TrapSyscalls(
			"ptrace",
			"process_vm_readv", "process_vm_writev",
			"keyctl",
			"add_key", "request_key",
			"bpf",
			"perf_event_open",
			"userfaultfd",
			"kexec_load", "kexec_file_load",
			"finit_module", "init_module", "delete_module",
		).
		BlockSyscalls(
			"socket", "socketpair", "connect", "bind", "listen",
			"accept", "accept4",
			"sendto", "recvfrom", "sendmsg", "recvmsg",
			"mount", "umount2", "pivot_root",
			"reboot",
			"swapon", "swapoff",
			"sethostname", "setdomainname",
			"setns", "unshare",
			"acct",
			"settimeofday", "adjtimex", "clock_adjtime",
			"personality",
			"ioperm", "iopl",
		)
}

// InterpreterProfile returns the deny-by-default profile applied to every
// sandbox. There is no network-enabled variant: executions never get sockets.
func InterpreterProfile() *specs.LinuxSeccomp {
	b := NewBuilder()
	b = interpreterSyscalls(b)
	b = escapeSyscalls(b)
	return b.Build()
}

// dockerProfile mirrors Docker's seccomp profile JSON schema, which differs
// from the OCI runtime-spec field names.
type dockerProfile struct {
	DefaultAction string          `json:"defaultAction"`
	Architectures []string        `json:"architectures"`
	Syscalls      []dockerSyscall `json:"syscalls"`
}

type dockerSyscall struct {
	Names  []string `json:"names"`
	Action string   `json:"action"`
}

var dockerActions = map[specs.LinuxSeccompAction]string{
	specs.ActAllow: "SCMP_ACT_ALLOW",
	specs.ActErrno: "SCMP_ACT_ERRNO",
	specs.ActTrap:  "SCMP_ACT_TRAP",
	specs.ActKill:  "SCMP_ACT_KILL",
	specs.ActLog:   "SCMP_ACT_LOG",
}

var dockerArchs = map[specs.Arch]string{
	specs.ArchX86_64:  "SCMP_ARCH_X86_64",
	specs.ArchAARCH64: "SCMP_ARCH_AARCH64",
}

// DockerProfileJSON renders InterpreterProfile in the JSON form Docker's
// --security-opt seccomp= flag expects.
func DockerProfileJSON() ([]byte, error) {
	p := InterpreterProfile()

	dp := dockerProfile{
		DefaultAction: dockerActions[p.DefaultAction],
	}
	for _, arch := range p.Architectures {
		if name, ok := dockerArchs[arch]; ok {
			dp.Architectures = append(dp.Architectures, name)
		}
	}
	for _, rule := range p.Syscalls {
		dp.Syscalls = append(dp.Syscalls, dockerSyscall{
			Names:  rule.Names,
			Action: dockerActions[rule.Action],
		})
	}

	return json.MarshalIndent(dp, "", "  ")
}
