package domain

// Identity is the verified subject of a connection. It is produced once
// by the token verifier and attached to the session state; it is never
// mutated afterward, only read.
type Identity struct {
	Subject  SubjectID
	Username string
}
