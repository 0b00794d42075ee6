package dao

import (
	"fmt"

	"gorm.io/gorm"

	"github.com/yungbote/stairway/errs"
	"github.com/yungbote/stairway/internal/models"
)

// Migrate applies the engine schema. With forceClean the five tables are
// dropped first, which is how tests get a pristine database; production
// deployments migrate in place.
func Migrate(db *gorm.DB, forceClean bool) error {
	if forceClean {
		if err := db.Migrator().DropTable(
			&models.FlightWorking{},
			&models.FlightLog{},
			&models.FlightInput{},
			&models.Flight{},
			&models.StairwayInstance{},
		); err != nil {
			return fmt.Errorf("%w: drop tables: %v", errs.ErrMigration, err)
		}
	}
	if err := db.AutoMigrate(
		&models.StairwayInstance{},
		&models.Flight{},
		&models.FlightInput{},
		&models.FlightLog{},
		&models.FlightWorking{},
	); err != nil {
		return fmt.Errorf("%w: %v", errs.ErrMigration, err)
	}
	return nil
}
