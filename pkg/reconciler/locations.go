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

// reconcileLocations matches-or-creates a canonical location per payload
// entry, re-merging canonical fields on a match (spec.md §4.E step 2).
func (r *Reconciler) reconcileLocations(ctx context.Context, tx *sqlx.Tx, scraperID string, locs []types.Location) (map[string]uuid.UUID, error) {
	refs := make(map[string]uuid.UUID, len(locs))

	for _, loc := range locs {
		lat, lng, missing, err := r.clampCoordinates(ctx, loc.Latitude, loc.Longitude)
		if err != nil {
			return nil, err
		}

		var canonicalID uuid.UUID
		created := false

		if !missing {
			canonicalID, err = matchLocationByCoords(ctx, tx, lat, lng)
			if err != nil {
				return nil, err
			}
		}

		switch {
		case missing:
			metrics.RecordLocationMatch("missing")
		case canonicalID == uuid.Nil:
			metrics.RecordLocationMatch("new")
		default:
			metrics.RecordLocationMatch("matched")
		}

		if canonicalID == uuid.Nil {
			created = true
			canonicalID = uuid.New()
			status := "verified"
			if missing {
				status = string(types.ValidationRejected)
			}
			var latArg, lngArg any
			if !missing {
				latArg, lngArg = lat, lng
			}
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO location (id, name, description, latitude, longitude, is_canonical, validation_status)
				VALUES ($1, $2, $3, $4, $5, true, $6)
			`, canonicalID, loc.Name, loc.Description, latArg, lngArg, status); err != nil {
				return nil, apperrors.Wrap(err, apperrors.ErrorTypeStorage, "insert canonical location")
			}
		}

		var latSrc, lngSrc any
		if !missing {
			latSrc, lngSrc = lat, lng
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO location_source (id, location_id, scraper_id, name, description, latitude, longitude, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
			ON CONFLICT (location_id, scraper_id) DO UPDATE
				SET name = EXCLUDED.name, description = EXCLUDED.description,
				    latitude = EXCLUDED.latitude, longitude = EXCLUDED.longitude, updated_at = EXCLUDED.updated_at
		`, uuid.New(), canonicalID, scraperID, loc.Name, loc.Description, latSrc, lngSrc, parseUpdatedAt(loc.UpdatedAt)); err != nil {
			return nil, apperrors.Wrap(err, apperrors.ErrorTypeStorage, "upsert location_source")
		}

		if !created {
			if err := r.remergeLocation(ctx, tx, canonicalID); err != nil {
				return nil, err
			}
		}

		if err := upsertLocationChildren(ctx, tx, canonicalID, loc); err != nil {
			return nil, err
		}

		data, _ := json.Marshal(loc)
		if err := writeVersion(ctx, tx, canonicalID, "location", scraperID, data); err != nil {
			return nil, err
		}

		if loc.ID != "" {
			refs[loc.ID] = canonicalID
		}
	}

	return refs, nil
}

// clampCoordinates runs the geo-bounds policy, falling back to passing
// coordinates through unclamped when no policy was wired (narrow tests).
func (r *Reconciler) clampCoordinates(ctx context.Context, lat, lng float64) (float64, float64, bool, error) {
	if r.Geo == nil {
		if lat == 0 && lng == 0 {
			return 0, 0, true, nil
		}
		return lat, lng, false, nil
	}
	res, err := r.Geo.Evaluate(ctx, lat, lng)
	if err != nil {
		return 0, 0, false, err
	}
	if res.Missing {
		return 0, 0, true, nil
	}
	return res.Latitude, res.Longitude, false, nil
}

func matchLocationByCoords(ctx context.Context, tx *sqlx.Tx, lat, lng float64) (uuid.UUID, error) {
	var id uuid.UUID
	err := tx.GetContext(ctx, &id, `
		SELECT id FROM location
		WHERE is_canonical
		  AND round(latitude::numeric, 4) = round($1::numeric, 4)
		  AND round(longitude::numeric, 4) = round($2::numeric, 4)
		ORDER BY length(COALESCE(description, '')) DESC, updated_at DESC
		LIMIT 1
	`, lat, lng)
	if err != nil {
		if isNoRows(err) {
			return uuid.Nil, nil
		}
		return uuid.Nil, apperrors.Wrap(err, apperrors.ErrorTypeStorage, "match location by coordinates")
	}
	return id, nil
}

// remergeLocation recomputes name/description via the merge policy and
// latitude/longitude from the most recently updated source (spec.md §4.E
// merge table). A nil Merge leaves the canonical row untouched.
func (r *Reconciler) remergeLocation(ctx context.Context, tx *sqlx.Tx, canonicalID uuid.UUID) error {
	if r.Merge == nil {
		return nil
	}

	var names, descriptions []string
	if err := tx.SelectContext(ctx, &names, `SELECT COALESCE(name, '') FROM location_source WHERE location_id = $1`, canonicalID); err != nil {
		return apperrors.Wrap(err, apperrors.ErrorTypeStorage, "load location source names")
	}
	if err := tx.SelectContext(ctx, &descriptions, `SELECT COALESCE(description, '') FROM location_source WHERE location_id = $1`, canonicalID); err != nil {
		return apperrors.Wrap(err, apperrors.ErrorTypeStorage, "load location source descriptions")
	}
	if len(names) == 0 {
		return nil
	}

	name, description, err := r.Merge.NameAndDescription(ctx, names, descriptions)
	if err != nil {
		return err
	}

	var lat, lng float64
	err = tx.QueryRowContext(ctx, `
		SELECT latitude, longitude FROM location_source
		WHERE location_id = $1 AND latitude IS NOT NULL
		ORDER BY updated_at DESC LIMIT 1
	`, canonicalID).Scan(&lat, &lng)
	hasCoords := err == nil

	if hasCoords {
		if _, err := tx.ExecContext(ctx, `
			UPDATE location SET name = $2, description = $3, latitude = $4, longitude = $5, updated_at = now() WHERE id = $1
		`, canonicalID, name, description, lat, lng); err != nil {
			return apperrors.Wrap(err, apperrors.ErrorTypeStorage, "update merged location")
		}
		return nil
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE location SET name = $2, description = $3, updated_at = now() WHERE id = $1
	`, canonicalID, name, description); err != nil {
		return apperrors.Wrap(err, apperrors.ErrorTypeStorage, "update merged location")
	}
	return nil
}

func upsertLocationChildren(ctx context.Context, tx *sqlx.Tx, locID uuid.UUID, loc types.Location) error {
	type existingAddr struct {
		Address1, City, StateProv, PostalCode string
	}
	var existingAddrs []existingAddr
	if err := tx.SelectContext(ctx, &existingAddrs, `
		SELECT address_1 AS "address1", city, state_province AS "stateprov", postal_code AS "postalcode"
		FROM address WHERE location_id = $1
	`, locID); err != nil {
		return apperrors.Wrap(err, apperrors.ErrorTypeStorage, "load existing addresses")
	}
	addrSeen := make(map[string]bool, len(existingAddrs))
	for _, a := range existingAddrs {
		addrSeen[addressKey(a.Address1, a.City, a.StateProv, a.PostalCode)] = true
	}

	for _, a := range loc.Addresses {
		key := addressKey(a.Address1, a.City, a.StateProv, a.PostalCode)
		if addrSeen[key] {
			continue
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO address (id, location_id, address_1, city, state_province, postal_code, country)
			VALUES ($1, $2, $3, $4, $5, $6, $7)
		`, uuid.New(), locID, a.Address1, a.City, a.StateProv, a.PostalCode, a.Country); err != nil {
			return apperrors.Wrap(err, apperrors.ErrorTypeStorage, "insert address")
		}
		addrSeen[key] = true
	}

	var existingNumbers []string
	if err := tx.SelectContext(ctx, &existingNumbers, `SELECT number FROM phone WHERE location_id = $1`, locID); err != nil {
		return apperrors.Wrap(err, apperrors.ErrorTypeStorage, "load existing location phones")
	}
	existingDigits := make(map[string]bool, len(existingNumbers))
	for _, n := range existingNumbers {
		existingDigits[normalizedPhoneDigits(n)] = true
	}

	for _, p := range loc.Phones {
		digits := normalizedPhoneDigits(p.Number)
		if existingDigits[digits] {
			continue
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO phone (id, location_id, number, type) VALUES ($1, $2, $3, $4)
		`, uuid.New(), locID, p.Number, p.Type); err != nil {
			return apperrors.Wrap(err, apperrors.ErrorTypeStorage, "insert location phone")
		}
		existingDigits[digits] = true
	}

	for _, s := range loc.Schedules {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO schedule (id, location_id, freq, wkst, opens_at, closes_at, byday)
			VALUES ($1, $2, $3, $4, $5, $6, $7)
		`, uuid.New(), locID, s.Freq, s.Wkst, s.OpensAt, s.ClosesAt, s.ByDay); err != nil {
			return apperrors.Wrap(err, apperrors.ErrorTypeStorage, "insert location schedule")
		}
	}

	for _, a := range loc.Accessibility {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO accessibility (id, location_id, description) VALUES ($1, $2, $3)
		`, uuid.New(), locID, a.Description); err != nil {
			return apperrors.Wrap(err, apperrors.ErrorTypeStorage, "insert accessibility")
		}
	}

	return nil
}
