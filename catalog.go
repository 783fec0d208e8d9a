package coreflow

import "context"

// WorkflowRecord is the database's view of a workflow: the row the
// validation task compares against the live registry.
type WorkflowRecord struct {
	Name        string
	Target      Target
	Description string
}

// ProductRecord is an active product and the workflows attached to it.
type ProductRecord struct {
	ProductID string
	Name      string
	Tag       string
	Workflows []WorkflowRecord
}

// FixedInputRecord is one fixed-input value configured on a product in the
// database.
type FixedInputRecord struct {
	ProductName string
	Name        string
	Value       string
}

// FixedInputConfiguration is the static declaration the database rows are
// validated against.
type FixedInputConfiguration struct {
	// Allowed maps a fixed-input name to its permitted values.
	Allowed map[string][]string
	// ByTag maps a product tag to the fixed-input names every product
	// with that tag must carry.
	ByTag map[string][]string
}

// RehydrateFunc loads one subscription through the domain model, returning
// an error when the persisted data no longer fits the model.
type RehydrateFunc func(ctx context.Context, subscriptionID string) error

// Catalog is the read-only slice of the product database the validation
// task needs. The relational schema itself stays outside the engine; the
// bundled stores implement this over their catalog tables.
type Catalog interface {
	// WorkflowRecords returns all workflow rows.
	WorkflowRecords(ctx context.Context) ([]WorkflowRecord, error)

	// ActiveProducts returns the active products with their workflows.
	ActiveProducts(ctx context.Context) ([]ProductRecord, error)

	// FixedInputs returns all fixed-input rows.
	FixedInputs(ctx context.Context) ([]FixedInputRecord, error)

	// Subscriptions returns the ids of all persisted subscriptions.
	Subscriptions(ctx context.Context) ([]string, error)
}
