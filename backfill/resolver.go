package backfill

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/jmoiron/sqlx"

	"metersync/logger"
	"metersync/models"
)

// ErrSensorNotFound is returned when none of the candidate statistic
// ids exist in the recorder database.
var ErrSensorNotFound = errors.New("sensor not found in statistics_meta")

// Resolver locates the numeric metadata id of the destination series in
// the recorder's statistics_meta table. The table is owned by Home
// Assistant; the resolver only reads it.
type Resolver struct {
	db  *sqlx.DB
	log *logger.Log
}

func NewResolver(db *sqlx.DB) *Resolver {
	return &Resolver{db: db, log: logger.GetLogger()}
}

// Resolve checks each candidate statistic id in priority order and
// returns the metadata id of the first kWh series that matches exactly.
// When nothing matches it returns ErrSensorNotFound; callers can then
// present ListKWhSensors output to the operator, since discovering the
// id by hand is the resolver's main failure mode in practice.
func (r *Resolver) Resolve(ctx context.Context, candidates []string) (int64, error) {
	log := r.log.WithComponent("sensor_resolver")

	for _, statisticID := range candidates {
		var id int64
		err := r.db.GetContext(ctx, &id,
			`SELECT id FROM statistics_meta
			 WHERE statistic_id = ? AND unit_of_measurement = 'kWh'`,
			statisticID)
		if errors.Is(err, sql.ErrNoRows) {
			log.WithFields(logger.Fields{"statistic_id": statisticID}).Debug("candidate not found")
			continue
		}
		if err != nil {
			return 0, fmt.Errorf("query statistics_meta: %w", err)
		}
		log.WithFields(logger.Fields{
			"statistic_id": statisticID,
			"metadata_id":  id,
		}).Info("resolved sensor")
		return id, nil
	}

	log.WithFields(logger.Fields{"candidates": candidates}).Warn("no candidate sensor found")
	return 0, ErrSensorNotFound
}

// ListKWhSensors returns every energy series known to the recorder, for
// operator diagnosis when resolution fails.
func (r *Resolver) ListKWhSensors(ctx context.Context) ([]models.SensorInfo, error) {
	var sensors []models.SensorInfo
	err := r.db.SelectContext(ctx, &sensors,
		`SELECT id, statistic_id, COALESCE(source, '') AS source,
		        COALESCE(unit_of_measurement, '') AS unit_of_measurement,
		        COALESCE(name, '') AS name
		 FROM statistics_meta
		 WHERE unit_of_measurement = 'kWh'
		 ORDER BY statistic_id`)
	if err != nil {
		return nil, fmt.Errorf("list kWh sensors: %w", err)
	}
	return sensors, nil
}

// CandidateStatisticIDs builds the statistic ids this add-on's own MQTT
// discovery would have created for a meter point, preferred order first.
func CandidateStatisticIDs(zaehlpunkt string) []string {
	suffix := zaehlpunkt
	if len(suffix) > 8 {
		suffix = suffix[len(suffix)-8:]
	}
	return []string{
		fmt.Sprintf("sensor.wnsm_daily_total_%s", suffix),
		fmt.Sprintf("sensor.wnsm_energy_%s", suffix),
	}
}
