package reconciler

import (
	"context"
	"encoding/json"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/For-The-Greater-Good/pantry-pirate-radio-sub000/internal/apperrors"
	"github.com/For-The-Greater-Good/pantry-pirate-radio-sub000/pkg/metrics"
	"github.com/For-The-Greater-Good/pantry-pirate-radio-sub000/pkg/types"
)

// reconcileOrganizations matches-or-creates a canonical organization per
// payload entry and returns the source-local-id -> canonical-UUID mapping
// services use to resolve organization_id (spec.md §4.E step 1).
func (r *Reconciler) reconcileOrganizations(ctx context.Context, tx *sqlx.Tx, scraperID string, orgs []types.Organization) (map[string]uuid.UUID, error) {
	refs := make(map[string]uuid.UUID, len(orgs))

	for _, org := range orgs {
		canonicalID, err := matchOrganization(ctx, tx, org.Name)
		if err != nil {
			return nil, err
		}
		created := canonicalID == uuid.Nil
		metrics.RecordReconcilerMatch("organization")
		if created {
			canonicalID = uuid.New()
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO organization (id, name, description, website, email, year_incorporated, is_canonical)
				VALUES ($1, $2, $3, $4, $5, $6, true)
			`, canonicalID, org.Name, org.Description, org.Website, org.Email, org.YearInc); err != nil {
				return nil, apperrors.Wrap(err, apperrors.ErrorTypeStorage, "insert canonical organization")
			}
		}

		if _, err := tx.ExecContext(ctx, `
			INSERT INTO organization_source (id, organization_id, scraper_id, name, description, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6)
			ON CONFLICT (organization_id, scraper_id) DO UPDATE
				SET name = EXCLUDED.name, description = EXCLUDED.description, updated_at = EXCLUDED.updated_at
		`, uuid.New(), canonicalID, scraperID, org.Name, org.Description, parseUpdatedAt(org.UpdatedAt)); err != nil {
			return nil, apperrors.Wrap(err, apperrors.ErrorTypeStorage, "upsert organization_source")
		}

		if !created {
			if err := r.remergeOrganization(ctx, tx, canonicalID); err != nil {
				return nil, err
			}
		}

		if err := upsertOrganizationChildren(ctx, tx, canonicalID, org); err != nil {
			return nil, err
		}

		data, _ := json.Marshal(org)
		if err := writeVersion(ctx, tx, canonicalID, "organization", scraperID, data); err != nil {
			return nil, err
		}

		if org.ID != "" {
			refs[org.ID] = canonicalID
		}
	}

	return refs, nil
}

func matchOrganization(ctx context.Context, tx *sqlx.Tx, name string) (uuid.UUID, error) {
	normalized := normalizeName(name)
	var id uuid.UUID
	err := tx.GetContext(ctx, &id, `
		SELECT id FROM organization
		WHERE is_canonical AND lower(regexp_replace(trim(name), '\s+', ' ', 'g')) = $1
		LIMIT 1
	`, normalized)
	if err != nil {
		if isNoRows(err) {
			return uuid.Nil, nil
		}
		return uuid.Nil, apperrors.Wrap(err, apperrors.ErrorTypeStorage, "match organization by name")
	}
	return id, nil
}

// remergeOrganization recomputes name/description across every source
// feeding canonicalID per the merge policy (spec.md §4.E merge table).
// A nil Merge (narrow unit tests that don't wire OPA) leaves the
// canonical row's existing values untouched.
func (r *Reconciler) remergeOrganization(ctx context.Context, tx *sqlx.Tx, canonicalID uuid.UUID) error {
	if r.Merge == nil {
		return nil
	}
	var names, descriptions []string
	if err := tx.SelectContext(ctx, &names, `SELECT name FROM organization_source WHERE organization_id = $1`, canonicalID); err != nil {
		return apperrors.Wrap(err, apperrors.ErrorTypeStorage, "load organization source names")
	}
	if err := tx.SelectContext(ctx, &descriptions, `SELECT COALESCE(description, '') FROM organization_source WHERE organization_id = $1`, canonicalID); err != nil {
		return apperrors.Wrap(err, apperrors.ErrorTypeStorage, "load organization source descriptions")
	}
	if len(names) == 0 {
		return nil
	}

	name, description, err := r.Merge.NameAndDescription(ctx, names, descriptions)
	if err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `
		UPDATE organization SET name = $2, description = $3, updated_at = now() WHERE id = $1
	`, canonicalID, name, description); err != nil {
		return apperrors.Wrap(err, apperrors.ErrorTypeStorage, "update merged organization")
	}
	return nil
}

func upsertOrganizationChildren(ctx context.Context, tx *sqlx.Tx, orgID uuid.UUID, org types.Organization) error {
	var existingNumbers []string
	if err := tx.SelectContext(ctx, &existingNumbers, `SELECT number FROM phone WHERE organization_id = $1`, orgID); err != nil {
		return apperrors.Wrap(err, apperrors.ErrorTypeStorage, "load existing organization phones")
	}
	existingDigits := make(map[string]bool, len(existingNumbers))
	for _, n := range existingNumbers {
		existingDigits[normalizedPhoneDigits(n)] = true
	}

	for _, p := range org.Phones {
		digits := normalizedPhoneDigits(p.Number)
		if existingDigits[digits] {
			continue
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO phone (id, organization_id, number, type) VALUES ($1, $2, $3, $4)
		`, uuid.New(), orgID, p.Number, p.Type); err != nil {
			return apperrors.Wrap(err, apperrors.ErrorTypeStorage, "insert organization phone")
		}
		existingDigits[digits] = true
	}

	for _, l := range org.Languages {
		var exists bool
		if err := tx.GetContext(ctx, &exists, `
			SELECT EXISTS(SELECT 1 FROM language WHERE organization_id = $1 AND code = $2)
		`, orgID, l.Code); err != nil {
			return apperrors.Wrap(err, apperrors.ErrorTypeStorage, "check existing organization language")
		}
		if exists {
			continue
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO language (id, organization_id, code) VALUES ($1, $2, $3)
		`, uuid.New(), orgID, l.Code); err != nil {
			return apperrors.Wrap(err, apperrors.ErrorTypeStorage, "insert organization language")
		}
	}

	for _, id := range org.Identifiers {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO organization_identifier (id, organization_id, identifier_type, identifier)
			VALUES ($1, $2, $3, $4)
		`, uuid.New(), orgID, id.IdentifierType, id.Identifier); err != nil {
			return apperrors.Wrap(err, apperrors.ErrorTypeStorage, "insert organization identifier")
		}
	}

	for _, m := range org.Metadata {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO metadata (id, organization_id, field_name, field_value)
			VALUES ($1, $2, $3, $4)
		`, uuid.New(), orgID, m.FieldName, m.FieldValue); err != nil {
			return apperrors.Wrap(err, apperrors.ErrorTypeStorage, "insert organization metadata")
		}
	}

	return nil
}
