// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package maps

import "fmt"

// syscallNumbersAMD64 maps syscall names to their x86-64 numbers, the
// argument tracked_syscalls is keyed on. This agent targets x86-64 hosts
// only; a host running another architecture needs its own table before
// TrackedSyscalls names resolve correctly.
var syscallNumbersAMD64 = map[string]uint32{
	"read":       0,
	"write":      1,
	"open":       2,
	"close":      3,
	"stat":       4,
	"fstat":      5,
	"lseek":      8,
	"mmap":       9,
	"mprotect":   10,
	"munmap":     11,
	"brk":        12,
	"rt_sigaction": 13,
	"ioctl":      16,
	"pread64":    17,
	"pwrite64":   18,
	"readv":      19,
	"writev":     20,
	"access":     21,
	"pipe":       22,
	"select":     23,
	"sched_yield": 24,
	"madvise":    28,
	"dup":        32,
	"dup2":       33,
	"nanosleep":  35,
	"getpid":     39,
	"socket":     41,
	"connect":    42,
	"accept":     43,
	"sendto":     44,
	"recvfrom":   45,
	"sendmsg":    46,
	"recvmsg":    47,
	"shutdown":   48,
	"bind":       49,
	"listen":     50,
	"clone":      56,
	"fork":       57,
	"execve":     59,
	"exit":       60,
	"wait4":      61,
	"kill":       62,
	"fcntl":      72,
	"flock":      73,
	"fsync":      74,
	"getdents":   78,
	"getcwd":     79,
	"rename":     82,
	"mkdir":      83,
	"rmdir":      84,
	"unlink":     87,
	"readlink":   89,
	"chmod":      90,
	"chown":      92,
	"gettimeofday": 96,
	"getrlimit":  97,
	"getuid":     102,
	"getgid":     104,
	"setuid":     105,
	"setgid":     106,
	"geteuid":    107,
	"getegid":    108,
	"sigaltstack": 131,
	"mount":      165,
	"umount2":    166,
	"gettid":     186,
	"futex":      202,
	"sched_setaffinity": 203,
	"sched_getaffinity": 204,
	"epoll_create": 213,
	"getdents64": 217,
	"set_tid_address": 218,
	"clock_gettime": 228,
	"clock_nanosleep": 230,
	"exit_group": 231,
	"epoll_wait": 232,
	"epoll_ctl":  233,
	"openat":     257,
	"mkdirat":    258,
	"newfstatat": 262,
	"unlinkat":   263,
	"readlinkat": 267,
	"epoll_pwait": 281,
	"accept4":    288,
	"eventfd2":   290,
	"pipe2":      293,
	"preadv":     295,
	"pwritev":    296,
	"recvmmsg":   299,
	"sendmmsg":   307,
	"renameat2":  316,
	"getrandom":  318,
	"statx":      332,
}

// ResolveSyscallNumbers maps syscall names to their x86-64 numbers. An
// unknown name is a configuration error: the agent would otherwise silently
// gate out a syscall the operator asked to track.
func ResolveSyscallNumbers(names []string) ([]uint32, error) {
	nrs := make([]uint32, 0, len(names))
	for _, name := range names {
		nr, ok := syscallNumbersAMD64[name]
		if !ok {
			return nil, fmt.Errorf("unknown syscall name %q", name)
		}
		nrs = append(nrs, nr)
	}
	return nrs, nil
}
