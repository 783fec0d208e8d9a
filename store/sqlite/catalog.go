package sqlite

import (
	"context"

	"github.com/jvdheide/coreflow"
)

// WorkflowRecords returns all workflow rows.
func (s *Store) WorkflowRecords(ctx context.Context) ([]coreflow.WorkflowRecord, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT name, target, description FROM workflows ORDER BY name`)
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
	rows, err := s.db.QueryContext(ctx,
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
		wfs, err := s.productWorkflows(ctx, out[i].ProductID)
		if err != nil {
			return nil, err
		}
		out[i].Workflows = wfs
	}
	return out, nil
}

func (s *Store) productWorkflows(ctx context.Context, productID string) ([]coreflow.WorkflowRecord, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT w.name, w.target, w.description
		FROM product_workflows pw JOIN workflows w ON w.name = pw.workflow_name
		WHERE pw.product_id = ? ORDER BY w.name`, productID)
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

// FixedInputs returns all fixed-input rows.
func (s *Store) FixedInputs(ctx context.Context) ([]coreflow.FixedInputRecord, error) {
	rows, err := s.db.QueryContext(ctx,
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
	rows, err := s.db.QueryContext(ctx, `SELECT subscription_id FROM subscriptions ORDER BY subscription_id`)
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

// UpsertWorkflowRecord writes a workflow row. Deployments sync the
// registry into the database at startup with this.
func (s *Store) UpsertWorkflowRecord(ctx context.Context, r coreflow.WorkflowRecord) error {
	_, err := s.db.ExecContext(ctx, `INSERT INTO workflows (name, target, description) VALUES (?, ?, ?)
		ON CONFLICT(name) DO UPDATE SET target = excluded.target, description = excluded.description`,
		r.Name, string(r.Target), r.Description)
	return err
}

// UpsertProduct writes a product row with status active.
func (s *Store) UpsertProduct(ctx context.Context, p coreflow.ProductRecord) error {
	_, err := s.db.ExecContext(ctx, `INSERT INTO products (product_id, name, tag, status) VALUES (?, ?, ?, 'active')
		ON CONFLICT(product_id) DO UPDATE SET name = excluded.name, tag = excluded.tag`,
		p.ProductID, p.Name, p.Tag)
	if err != nil {
		return err
	}
	for _, wf := range p.Workflows {
		if err := s.UpsertWorkflowRecord(ctx, wf); err != nil {
			return err
		}
		_, err = s.db.ExecContext(ctx, `INSERT OR IGNORE INTO product_workflows (product_id, workflow_name) VALUES (?, ?)`,
			p.ProductID, wf.Name)
		if err != nil {
			return err
		}
	}
	return nil
}

// UpsertFixedInput writes a fixed-input row.
func (s *Store) UpsertFixedInput(ctx context.Context, r coreflow.FixedInputRecord) error {
	_, err := s.db.ExecContext(ctx, `INSERT INTO fixed_inputs (product_name, name, value) VALUES (?, ?, ?)
		ON CONFLICT(product_name, name) DO UPDATE SET value = excluded.value`,
		r.ProductName, r.Name, r.Value)
	return err
}

// AddSubscription records a subscription id.
func (s *Store) AddSubscription(ctx context.Context, subscriptionID, productID string) error {
	_, err := s.db.ExecContext(ctx, `INSERT OR IGNORE INTO subscriptions (subscription_id, product_id) VALUES (?, ?)`,
		subscriptionID, productID)
	return err
}
