package coreflow

import (
	"context"
	"fmt"
	"slices"
	"sort"
)

// ValidationWorkflowName is the name the bundled validation task registers
// under.
const ValidationWorkflowName = "task_validate_products"

// ModifyNoteWorkflowName is the workflow every active product must offer.
const ModifyNoteWorkflowName = "modify_note"

// requiredTargets is the target set every product should cover. Missing
// targets are reported, not fatal.
var requiredTargets = []Target{TargetCreate, TargetModify, TargetTerminate, TargetValidate}

// WorkflowTranslations resolves a workflow name to its human-readable
// translation. The translations package provides the en-GB bundle.
type WorkflowTranslations interface {
	Workflow(key string) (string, bool)
}

// ValidationDeps are the collaborators the validation task checks against
// each other.
type ValidationDeps struct {
	Registry     *Registry
	Catalog      Catalog
	Translations WorkflowTranslations
	FixedInputs  FixedInputConfiguration
	// Rehydrate loads one subscription through the domain model. Nil
	// skips the rehydration check.
	Rehydrate RehydrateFunc
}

// ValidationWorkflow builds the bundled SYSTEM task that verifies the
// workflow registry, the product database, and the static configuration
// agree with each other.
func ValidationWorkflow(deps ValidationDeps) *Workflow {
	steps := Init().Then(
		NewStep("Check workflow registry matches database", deps.checkRegistryParity),
		NewStep("Check workflow definitions match database", deps.checkWorkflowFields),
		NewStep("Check workflow translations", deps.checkTranslations),
		NewStep("Check products have workflows", deps.checkProductsHaveWorkflows),
		NewStep("Check products have a modify note workflow", deps.checkModifyNote),
		NewStep("Check product workflow targets", deps.checkProductTargets),
		NewStep("Check fixed inputs", deps.checkFixedInputs),
		NewStep("Check subscription models", deps.checkSubscriptions),
	).Done()

	wf, err := NewWorkflow(ValidationWorkflowName, TargetSystem,
		"Validate products and workflows", steps)
	if err != nil {
		panic(err)
	}
	return wf
}

// checkRegistryParity fails when the registry and the database do not hold
// the same workflow names.
func (d ValidationDeps) checkRegistryParity(ctx context.Context, s State) (State, error) {
	records, err := d.Catalog.WorkflowRecords(ctx)
	if err != nil {
		return nil, err
	}
	inDB := make(map[string]bool, len(records))
	for _, r := range records {
		inDB[r.Name] = true
	}

	var onlyRegistry, onlyDB []string
	for _, name := range d.Registry.Names() {
		if !inDB[name] {
			onlyRegistry = append(onlyRegistry, name)
		}
	}
	registered := d.Registry.All()
	for _, r := range records {
		if _, ok := registered[r.Name]; !ok {
			onlyDB = append(onlyDB, r.Name)
		}
	}
	sort.Strings(onlyDB)

	if len(onlyRegistry) > 0 || len(onlyDB) > 0 {
		return nil, &ProcessFailureError{
			Message: "workflow registry and database out of sync",
			Details: map[string]any{
				"registry_only": onlyRegistry,
				"database_only": onlyDB,
			},
		}
	}
	return State{"workflows_checked": len(records)}, nil
}

// checkWorkflowFields fails when a workflow registered in both places
// disagrees on target or description.
func (d ValidationDeps) checkWorkflowFields(ctx context.Context, s State) (State, error) {
	records, err := d.Catalog.WorkflowRecords(ctx)
	if err != nil {
		return nil, err
	}
	var mismatches []string
	for _, r := range records {
		wf, ok := d.Registry.Get(r.Name)
		if !ok {
			continue
		}
		if wf.Target != r.Target {
			mismatches = append(mismatches,
				fmt.Sprintf("%s: target %s in registry, %s in database", r.Name, wf.Target, r.Target))
		}
		if wf.Description != r.Description {
			mismatches = append(mismatches,
				fmt.Sprintf("%s: description differs", r.Name))
		}
	}
	if len(mismatches) > 0 {
		return nil, &ProcessFailureError{Message: "workflow definitions do not match database", Details: mismatches}
	}
	return nil, nil
}

// checkTranslations fails when a registered workflow has no entry in the
// en-GB bundle.
func (d ValidationDeps) checkTranslations(ctx context.Context, s State) (State, error) {
	var missing []string
	for _, name := range d.Registry.Names() {
		if _, ok := d.Translations.Workflow(name); !ok {
			missing = append(missing, name)
		}
	}
	if len(missing) > 0 {
		return nil, &ProcessFailureError{Message: "workflows without en-GB translation", Details: missing}
	}
	return nil, nil
}

func (d ValidationDeps) checkProductsHaveWorkflows(ctx context.Context, s State) (State, error) {
	products, err := d.Catalog.ActiveProducts(ctx)
	if err != nil {
		return nil, err
	}
	var bare []string
	for _, p := range products {
		if len(p.Workflows) == 0 {
			bare = append(bare, p.Name)
		}
	}
	if len(bare) > 0 {
		return nil, &ProcessFailureError{Message: "active products without workflows", Details: bare}
	}
	return State{"products_checked": len(products)}, nil
}

func (d ValidationDeps) checkModifyNote(ctx context.Context, s State) (State, error) {
	products, err := d.Catalog.ActiveProducts(ctx)
	if err != nil {
		return nil, err
	}
	var missing []string
	for _, p := range products {
		found := false
		for _, wf := range p.Workflows {
			if wf.Name == ModifyNoteWorkflowName {
				found = true
				break
			}
		}
		if !found {
			missing = append(missing, p.Name)
		}
	}
	if len(missing) > 0 {
		return nil, &ProcessFailureError{Message: "active products without a modify_note workflow", Details: missing}
	}
	return nil, nil
}

// checkProductTargets reports products not covering the full target set.
// Incomplete coverage is recorded in state, not a failure.
func (d ValidationDeps) checkProductTargets(ctx context.Context, s State) (State, error) {
	products, err := d.Catalog.ActiveProducts(ctx)
	if err != nil {
		return nil, err
	}
	incomplete := map[string][]string{}
	for _, p := range products {
		var missing []string
		for _, target := range requiredTargets {
			if !slices.ContainsFunc(p.Workflows, func(wf WorkflowRecord) bool {
				return wf.Target == target
			}) {
				missing = append(missing, string(target))
			}
		}
		if len(missing) > 0 {
			incomplete[p.Name] = missing
		}
	}
	if len(incomplete) == 0 {
		return nil, nil
	}
	return State{"products_with_missing_targets": incomplete}, nil
}

// checkFixedInputs fails when a database fixed-input row carries a value
// the configuration does not allow, or a product lacks a fixed input its
// tag requires.
func (d ValidationDeps) checkFixedInputs(ctx context.Context, s State) (State, error) {
	rows, err := d.Catalog.FixedInputs(ctx)
	if err != nil {
		return nil, err
	}
	var violations []string
	byProduct := map[string]map[string]bool{}
	for _, r := range rows {
		if byProduct[r.ProductName] == nil {
			byProduct[r.ProductName] = map[string]bool{}
		}
		byProduct[r.ProductName][r.Name] = true

		allowed, ok := d.FixedInputs.Allowed[r.Name]
		if !ok {
			violations = append(violations,
				fmt.Sprintf("%s: fixed input %q not in configuration", r.ProductName, r.Name))
			continue
		}
		if !slices.Contains(allowed, r.Value) {
			violations = append(violations,
				fmt.Sprintf("%s: fixed input %q has disallowed value %q", r.ProductName, r.Name, r.Value))
		}
	}

	products, err := d.Catalog.ActiveProducts(ctx)
	if err != nil {
		return nil, err
	}
	for _, p := range products {
		for _, required := range d.FixedInputs.ByTag[p.Tag] {
			if !byProduct[p.Name][required] {
				violations = append(violations,
					fmt.Sprintf("%s: missing fixed input %q required by tag %q", p.Name, required, p.Tag))
			}
		}
	}

	if len(violations) > 0 {
		return nil, &ProcessFailureError{Message: "fixed input configuration violations", Details: violations}
	}
	return nil, nil
}

// checkSubscriptions fails when a persisted subscription can no longer be
// loaded through the domain model.
func (d ValidationDeps) checkSubscriptions(ctx context.Context, s State) (State, error) {
	if d.Rehydrate == nil {
		return nil, nil
	}
	ids, err := d.Catalog.Subscriptions(ctx)
	if err != nil {
		return nil, err
	}
	var broken []string
	for _, id := range ids {
		if err := d.Rehydrate(ctx, id); err != nil {
			broken = append(broken, fmt.Sprintf("%s: %v", id, err))
		}
	}
	if len(broken) > 0 {
		return nil, &ProcessFailureError{Message: "subscriptions failing domain model rehydration", Details: broken}
	}
	return State{"subscriptions_checked": len(ids)}, nil
}
