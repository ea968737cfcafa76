package types

// Status represents the final disposition of a single test.
type Status string

const (
	StatusPass Status = "pass"
	StatusFail Status = "fail"
	StatusSkip Status = "skip"
)

func (s Status) String() string {
	return string(s)
}
