package postgres

const queryInsertScanJob = `
INSERT INTO scan_jobs (id, jurisdiction, status, started_at, completed_at, listings_examined, matches_found, error)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
`

const queryGetScanJob = `
SELECT id, jurisdiction, status, started_at, completed_at, listings_examined, matches_found, error
FROM scan_jobs
WHERE id = $1
`

const queryUpdateScanJob = `
UPDATE scan_jobs
SET status = $2, completed_at = $3, listings_examined = $4, matches_found = $5, error = $6
WHERE id = $1
  AND status = $7
`

const queryScanJobExists = `
SELECT EXISTS (SELECT 1 FROM scan_jobs WHERE id = $1)
`

const queryLatestScanJob = `
SELECT id, jurisdiction, status, started_at, completed_at, listings_examined, matches_found, error
FROM scan_jobs
ORDER BY started_at DESC
LIMIT 1
`

const queryListStaleScanJobs = `
SELECT id, jurisdiction, status, started_at, completed_at, listings_examined, matches_found, error
FROM scan_jobs
WHERE status IN ('pending', 'running')
  AND started_at < $1
ORDER BY started_at ASC
LIMIT $2
`

const queryListAddressesByJurisdiction = `
SELECT id, tenant_id, institution_id, line1, line2, city, state, postal_code, country,
       latitude, longitude, last_matched_listing_id, last_matched_at
FROM member_addresses
WHERE state = $1
ORDER BY id
`

const queryGetAddress = `
SELECT id, tenant_id, institution_id, line1, line2, city, state, postal_code, country,
       latitude, longitude, last_matched_listing_id, last_matched_at
FROM member_addresses
WHERE id = $1
`

// The WHERE clause keeps an upsert from moving an address between tenants or
// institutions.
const queryUpsertAddress = `
INSERT INTO member_addresses (id, tenant_id, institution_id, line1, line2, city, state, postal_code, country,
                              latitude, longitude, last_matched_listing_id, last_matched_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
ON CONFLICT (id) DO UPDATE SET
    line1 = EXCLUDED.line1,
    line2 = EXCLUDED.line2,
    city = EXCLUDED.city,
    state = EXCLUDED.state,
    postal_code = EXCLUDED.postal_code,
    country = EXCLUDED.country,
    latitude = EXCLUDED.latitude,
    longitude = EXCLUDED.longitude,
    last_matched_listing_id = EXCLUDED.last_matched_listing_id,
    last_matched_at = EXCLUDED.last_matched_at
WHERE member_addresses.institution_id = EXCLUDED.institution_id
  AND member_addresses.tenant_id = EXCLUDED.tenant_id
`

const queryInsertMatch = `
INSERT INTO listing_matches (id, listing_id, jurisdiction, listing_address, monthly_rent, listing_url, severity,
                             matched_address_ids, matched_tenant_ids, matched_institution_ids, detected_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
`

const matchColumns = `
id, listing_id, jurisdiction, listing_address, monthly_rent, listing_url, severity,
matched_address_ids, matched_tenant_ids, matched_institution_ids, detected_at
`

const queryGetMatch = `SELECT ` + matchColumns + ` FROM listing_matches WHERE id = $1`

const queryListRecentMatches = `SELECT ` + matchColumns + `
FROM listing_matches
WHERE ($1 = '' OR $1 = ANY (matched_institution_ids))
ORDER BY detected_at DESC, id
LIMIT $2 OFFSET $3
`

const queryCountMatches = `
SELECT COUNT(*) FROM listing_matches
WHERE ($1 = '' OR $1 = ANY (matched_institution_ids))
`

const queryPurgeMatches = `
DELETE FROM listing_matches WHERE detected_at < $1
`

const queryGetSchedule = `
SELECT expression, time_zone, last_run, updated_at FROM scan_schedule WHERE id = 1
`

const queryUpsertSchedule = `
INSERT INTO scan_schedule (id, expression, time_zone, last_run, updated_at)
VALUES (1, $1, $2, $3, $4)
ON CONFLICT (id) DO UPDATE SET
    expression = EXCLUDED.expression,
    time_zone = EXCLUDED.time_zone,
    last_run = EXCLUDED.last_run,
    updated_at = EXCLUDED.updated_at
`

const queryRecordScheduleRun = `
UPDATE scan_schedule SET last_run = $1
WHERE id = 1 AND expression = $2 AND time_zone = $3 AND updated_at = $4
`
