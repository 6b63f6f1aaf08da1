package defs

// System wide tunables. These mirror the values the test programs were
// written against; changing MAX_PSYC_PAGES changes the resident cap of every
// process with pid > 2.
const (
	// NPROC is the size of the process table.
	NPROC = 64

	// NKT is the number of kernel thread slots embedded in each process.
	NKT = 8

	// NCPU is the maximum number of logical CPUs the scheduler will run.
	NCPU = 8

	// MAX_PSYC_PAGES caps both the RAM-resident user pages of a process
	// and the pages parked in its swap file.
	MAX_PSYC_PAGES = 16

	// KTHREAD_STACK_SIZE is the only stack size kthread_create accepts.
	KTHREAD_STACK_SIZE = 4000

	// MAX_UTHREADS is the number of user thread slots per process.
	MAX_UTHREADS = 4

	// STACK_SIZE is the embedded user thread stack size in bytes.
	STACK_SIZE = 4000

	// EXITMSGLEN caps the exit message copied to the parent on wait.
	EXITMSGLEN = 32
)
