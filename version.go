package numaprof

// Version is the numaprof release version.
const Version = "0.1.0"
