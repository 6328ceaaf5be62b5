package common

// Version is the modelgate release version.
const Version = "0.1.0"
