package prefork

// Version is the current version of the go-prefork library
const Version = "1.0.0"
