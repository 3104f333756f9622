package mysql

const upsertPlaceSQL = `
INSERT INTO places
  (id, name_th, name_en, desc_th, desc_en, location_th, location_en, lat, lon, image_name, tags, rating)
VALUES
  (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
ON DUPLICATE KEY UPDATE
  name_th     = VALUES(name_th),
  name_en     = VALUES(name_en),
  desc_th     = VALUES(desc_th),
  desc_en     = VALUES(desc_en),
  location_th = VALUES(location_th),
  location_en = VALUES(location_en),
  lat         = VALUES(lat),
  lon         = VALUES(lon),
  image_name  = VALUES(image_name),
  tags        = VALUES(tags),
  rating      = VALUES(rating),
  updated_at  = CURRENT_TIMESTAMP
`

const listPlacesSQL = `
SELECT id, name_th, name_en, desc_th, desc_en, location_th, location_en, lat, lon, image_name, tags, rating
FROM places
ORDER BY name_en, id
`

// -----------------------------------------------------------------------------
// INTERACTIONS / TAG SCORES
// -----------------------------------------------------------------------------

const insertInteractionSQL = `
INSERT INTO interactions (id, user_id, place_id, kind, weight, tags, ts)
VALUES (?, ?, ?, ?, ?, ?, ?)
`

// Increment is done by the server so concurrent writers never lose updates.
const bumpTagScoreSQL = `
INSERT INTO tag_scores (user_id, tag, score, last_ts)
VALUES (?, ?, ?, ?)
ON DUPLICATE KEY UPDATE
  score   = score + VALUES(score),
  last_ts = GREATEST(last_ts, VALUES(last_ts))
`

const tagScoresSQL = `
SELECT user_id, tag, score, last_ts
FROM tag_scores
WHERE user_id = ?
ORDER BY tag
`

const purgeInteractionsSQL = `DELETE FROM interactions WHERE ts < ?`

const clearTagScoresSQL = `DELETE FROM tag_scores`

// Needs MySQL 8 (JSON_TABLE).
const rebuildTagScoresSQL = `
INSERT INTO tag_scores (user_id, tag, score, last_ts)
SELECT i.user_id, jt.tag, SUM(ROUND(i.weight * 10)), MAX(i.ts)
FROM interactions i,
     JSON_TABLE(i.tags, '$[*]' COLUMNS (tag VARCHAR(64) PATH '$')) AS jt
GROUP BY i.user_id, jt.tag
`

// -----------------------------------------------------------------------------
// CHECK-INS
// -----------------------------------------------------------------------------

const ensureGateSQL = `INSERT IGNORE INTO checkin_gate (user_id, place_id) VALUES (?, ?)`

const lockGateSQL = `SELECT user_id FROM checkin_gate WHERE user_id = ? AND place_id = ? FOR UPDATE`

const lastTSSQL = `SELECT MAX(ts) FROM checkins WHERE user_id = ? AND place_id = ?`

const insertCheckInSQL = `
INSERT INTO checkins (id, user_id, place_id, ts, merit_points, admin_edited, lat, lon)
VALUES (?, ?, ?, ?, ?, ?, ?, ?)
`

const checkInColumns = `id, user_id, place_id, ts, merit_points, admin_edited, lat, lon`

const lastCheckInSQL = `
SELECT ` + checkInColumns + `
FROM checkins
WHERE user_id = ? AND place_id = ?
ORDER BY ts DESC, id DESC
LIMIT 1
`

const getCheckInSQL = `SELECT ` + checkInColumns + ` FROM checkins WHERE id = ?`

const updateCheckInTSSQL = `UPDATE checkins SET ts = ?, admin_edited = 1 WHERE id = ?`

const listCheckInsSQL = `
SELECT ` + checkInColumns + `
FROM checkins
WHERE user_id = ?
ORDER BY ts DESC, id ASC
`
