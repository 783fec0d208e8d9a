package postgres

import (
	"context"

	"github.com/jvdheide/coreflow"
)

// WorkflowRecords returns all workflow rows.
func (s *Store) WorkflowRecords(ctx context.Context) ([]coreflow.WorkflowRecord, error) {
	rows, err := s.pool.Query(ctx, `SELECT name, target, description FROM workflows ORDER BY name`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []coreflow.WorkflowRecord
	for rows.Next() {
		var r coreflow.WorkflowRecord
		var target string
		if err := rows.Scan(&r.Name, &target, &r.Description); err != nil {
			return nil, err
		}
		r.Target = coreflow.Target(target)
		out = append(out, r)
	}
	return out, rows.Err()
}

// ActiveProducts returns the active products with their workflows.
func (s *Store) ActiveProducts(ctx context.Context) ([]coreflow.ProductRecord, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT product_id, name, tag FROM products WHERE status = 'active' ORDER BY name`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []coreflow.ProductRecord
	for rows.Next() {
		var p coreflow.ProductRecord
		if err := rows.Scan(&p.ProductID, &p.Name, &p.Tag); err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for i := range out {
		wfRows, err := s.pool.Query(ctx, `SELECT w.name, w.target, w.description
			FROM product_workflows pw JOIN workflows w ON w.name = pw.workflow_name
			WHERE pw.product_id = $1 ORDER BY w.name`, out[i].ProductID)
		if err != nil {
			return nil, err
		}
		for wfRows.Next() {
			var r coreflow.WorkflowRecord
			var target string
			if err := wfRows.Scan(&r.Name, &target, &r.Description); err != nil {
				wfRows.Close()
				return nil, err
			}
			r.Target = coreflow.Target(target)
			out[i].Workflows = append(out[i].Workflows, r)
		}
		wfRows.Close()
		if err := wfRows.Err(); err != nil {
			return nil, err
		}
	}
	return out, nil
}

// FixedInputs returns all fixed-input rows.
func (s *Store) FixedInputs(ctx context.Context) ([]coreflow.FixedInputRecord, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT product_name, name, value FROM fixed_inputs ORDER BY product_name, name`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []coreflow.FixedInputRecord
	for rows.Next() {
		var r coreflow.FixedInputRecord
		if err := rows.Scan(&r.ProductName, &r.Name, &r.Value); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// Subscriptions returns the ids of all persisted subscriptions.
func (s *Store) Subscriptions(ctx context.Context) ([]string, error) {
	rows, err := s.pool.Query(ctx, `SELECT subscription_id FROM subscriptions ORDER BY subscription_id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, rows.Err()
}
