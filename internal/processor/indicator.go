package processor

// Indicator receives the UI hooks of the processor: a thinking indicator
// while a command runs, an error indicator when it fails.
type Indicator interface {
	Thinking(commandID string)
	Failed(commandID string, err error)
	Cleared(commandID string)
}

type nopIndicator struct{}

func (nopIndicator) Thinking(string)      {}
func (nopIndicator) Failed(string, error) {}
func (nopIndicator) Cleared(string)       {}
