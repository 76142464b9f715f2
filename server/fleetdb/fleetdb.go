package fleetdb

import (
	"fmt"

	"github.com/cyclopcam/dbh"
	"github.com/cyclopcam/logs"
	"gorm.io/gorm"
)

// FleetDB is the relational store for the camera fleet: the State/City/Road
// hierarchy, cameras, captured images and detected objects.
type FleetDB struct {
	Log logs.Log
	DB  *gorm.DB
}

// Open or create the fleet database, running all migrations.
// Sqlite and Postgres are both supported (Sqlite is what unit tests use).
func Open(logger logs.Log, dbc dbh.DBConfig) (*FleetDB, error) {
	db, err := dbh.OpenDB(logger, dbc, Migrations(logger), 0)
	if err != nil {
		return nil, fmt.Errorf("Failed to open fleet database %v: %w", dbc.Database, err)
	}
	return &FleetDB{
		Log: logger,
		DB:  db,
	}, nil
}
