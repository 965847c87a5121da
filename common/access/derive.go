// Package access owns the precomputed workflow_access table: derivation
// at mutation time, checking at execution time.
package access

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/bifrost-hq/bifrost/common/logger"
	"github.com/bifrost-hq/bifrost/common/models"
	"github.com/bifrost-hq/bifrost/common/repository"
)

// SourceForm tags rows derived from forms
const SourceForm = "form"

// TxRunner begins transactions; satisfied by *db.DB
type TxRunner interface {
	Begin(ctx context.Context) (pgx.Tx, error)
}

// Deriver recomputes a source entity's outgoing workflow_access rows
// and applies the minimal insert/delete, atomically with the mutation
// that triggered it.
type Deriver struct {
	db     TxRunner
	access *repository.AccessRepository
	forms  *repository.FormRepository
	log    *logger.Logger
}

// NewDeriver creates an access deriver
func NewDeriver(db TxRunner, access *repository.AccessRepository, forms *repository.FormRepository, log *logger.Logger) *Deriver {
	return &Deriver{db: db, access: access, forms: forms, log: log}
}

// SyncForm persists the form and reconciles its workflow_access rows in
// one transaction. Unpublished forms grant nothing; publishing expands
// the grants, unpublishing withdraws them.
func (d *Deriver) SyncForm(ctx context.Context, form *models.Form) error {
	tx, err := d.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := d.forms.UpsertTx(ctx, tx, form); err != nil {
		return err
	}

	desired := desiredRows(form)

	current, err := d.access.ListBySource(ctx, tx, SourceForm, form.ID)
	if err != nil {
		return err
	}

	inserts, deletes := diffRows(current, desired)

	if err := d.access.InsertMany(ctx, tx, inserts); err != nil {
		return err
	}
	if err := d.access.DeleteMany(ctx, tx, deletes); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit access derivation: %w", err)
	}

	d.log.Info("workflow access reconciled",
		"form_id", form.ID, "inserted", len(inserts), "deleted", len(deletes))
	return nil
}

// desiredRows expands a form into the access tuples it should assert.
// No row asserts more than the form expresses.
func desiredRows(form *models.Form) []*models.WorkflowAccess {
	if !form.IsPublished {
		return nil
	}

	var rows []*models.WorkflowAccess
	for _, workflowID := range form.WorkflowRefs() {
		for _, selector := range form.Selectors() {
			rows = append(rows, &models.WorkflowAccess{
				ID:               uuid.New(),
				WorkflowID:       workflowID,
				OrganizationID:   form.OrganizationID,
				UserSelector:     selector,
				SourceEntityType: SourceForm,
				SourceEntityID:   form.ID,
			})
		}
	}
	return rows
}

type accessTuple struct {
	workflowID   uuid.UUID
	orgID        uuid.UUID // uuid.Nil for global scope
	userSelector string
}

func tupleOf(a *models.WorkflowAccess) accessTuple {
	t := accessTuple{workflowID: a.WorkflowID, userSelector: a.UserSelector}
	if a.OrganizationID != nil {
		t.orgID = *a.OrganizationID
	}
	return t
}

// diffRows computes the minimal change set between the rows on disk
// and the rows the source currently expresses.
func diffRows(current []*models.WorkflowAccess, desired []*models.WorkflowAccess) ([]*models.WorkflowAccess, []uuid.UUID) {
	currentSet := make(map[accessTuple]uuid.UUID, len(current))
	for _, row := range current {
		currentSet[tupleOf(row)] = row.ID
	}

	desiredSet := make(map[accessTuple]struct{}, len(desired))
	var inserts []*models.WorkflowAccess
	for _, row := range desired {
		t := tupleOf(row)
		desiredSet[t] = struct{}{}
		if _, exists := currentSet[t]; !exists {
			inserts = append(inserts, row)
		}
	}

	var deletes []uuid.UUID
	for _, row := range current {
		if _, wanted := desiredSet[tupleOf(row)]; !wanted {
			deletes = append(deletes, row.ID)
		}
	}

	return inserts, deletes
}
