package response

import "github.com/antoniostano/rtvoice/internal/inference"

// Step is a partial result of a generation task, delivered to the owning
// session actor in production order.
type Step interface{ step() }

// TextDelta extends the text (or, for audio responses, the transcript) of
// the current message item.
type TextDelta struct{ Text string }

// AudioDelta carries PCM16 mono audio at the synthesizer output rate.
type AudioDelta struct{ PCM []byte }

// FunctionCallDelta extends the arguments of the function call CallID.
type FunctionCallDelta struct {
	CallID    string
	Name      string
	Arguments string
}

// Finished ends the task successfully.
type Finished struct{ Result inference.Result }

// Failed ends the task with a collaborator error.
type Failed struct{ Err error }

func (TextDelta) step()         {}
func (AudioDelta) step()        {}
func (FunctionCallDelta) step() {}
func (Finished) step()          {}
func (Failed) step()            {}
