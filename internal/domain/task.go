package domain

// ReadyTask is an immutable snapshot of a claimable task supplied by a
// task source.
type ReadyTask struct {
	ID    string `json:"id" yaml:"id"`
	Title string `json:"title" yaml:"title"`
}
