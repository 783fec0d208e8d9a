package coreflow

import (
	"context"
	"encoding/json"
)

// modifyNoteSchema asks for the free-form note to attach.
var modifyNoteSchema = json.RawMessage(`{
	"type": "object",
	"properties": {
		"note": {"type": "string"}
	},
	"required": ["note"],
	"additionalProperties": false
}`)

// ModifyNoteWorkflow builds the bundled note-modification workflow that
// every product is expected to offer: suspend for the note, then record
// it on the subscription's process trail.
func ModifyNoteWorkflow() *Workflow {
	steps := Init().Then(
		InputStep("Fill note", AssigneeChanges, MergePage("note", modifyNoteSchema)),
		NewStep("Store note", storeNote),
	).Done()

	wf, err := NewWorkflow(ModifyNoteWorkflowName, TargetModify, "Modify the note", steps)
	if err != nil {
		panic(err)
	}
	return wf
}

func storeNote(ctx context.Context, s State) (State, error) {
	note, _ := s.String("note")
	return State{"note": note}, nil
}
