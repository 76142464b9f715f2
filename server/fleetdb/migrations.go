package fleetdb

import (
	"github.com/BurntSushi/migration"
	"github.com/cyclopcam/dbh"
	"github.com/cyclopcam/logs"
)

func Migrations(log logs.Log) []migration.Migrator {
	migs := []migration.Migrator{}
	idx := 0

	migs = append(migs, dbh.MakeMigrationFromSQL(log, &idx,
		`
		CREATE TABLE state(
			id INTEGER PRIMARY KEY,
			name TEXT NOT NULL,
			slug TEXT NOT NULL,
			abbreviation TEXT NOT NULL,
			is_active BOOLEAN NOT NULL DEFAULT false
		);
		CREATE UNIQUE INDEX idx_state_slug ON state (slug);

		CREATE TABLE road(
			id INTEGER PRIMARY KEY,
			name TEXT NOT NULL,
			slug TEXT NOT NULL,
			is_interstate BOOLEAN NOT NULL DEFAULT false
		);
		CREATE UNIQUE INDEX idx_road_slug ON road (slug);

		CREATE TABLE city(
			id INTEGER PRIMARY KEY,
			name TEXT NOT NULL,
			slug TEXT NOT NULL,
			timezone TEXT,
			state_id INT NOT NULL REFERENCES state(id)
		);
		CREATE UNIQUE INDEX idx_city_state_slug ON city (state_id, slug);

		CREATE TABLE camera(
			id INTEGER PRIMARY KEY,
			name TEXT NOT NULL,
			slug TEXT NOT NULL,
			url TEXT NOT NULL,
			latitude REAL NOT NULL DEFAULT 0,
			longitude REAL NOT NULL DEFAULT 0,
			last_connection_status BOOLEAN NOT NULL DEFAULT false,
			city_id INT NOT NULL REFERENCES city(id),
			road_id INT REFERENCES road(id)
		);
		CREATE UNIQUE INDEX idx_camera_slug ON camera (slug);
	`))

	migs = append(migs, dbh.MakeMigrationFromSQL(log, &idx,
		`
		CREATE TABLE captured_image(
			id INTEGER PRIMARY KEY,
			camera_id INT NOT NULL REFERENCES camera(id),
			state_id INT NOT NULL,
			city_id INT NOT NULL,
			road_id INT,
			storage_key TEXT NOT NULL,
			url TEXT,
			timezone TEXT,
			captured_at INT NOT NULL,
			detected_at INT,
			created_at INT NOT NULL,
			car_above INT NOT NULL DEFAULT 0,
			car_below INT NOT NULL DEFAULT 0,
			truck_above INT NOT NULL DEFAULT 0,
			truck_below INT NOT NULL DEFAULT 0,
			person_above INT NOT NULL DEFAULT 0,
			person_below INT NOT NULL DEFAULT 0,
			deer_above INT NOT NULL DEFAULT 0,
			deer_below INT NOT NULL DEFAULT 0,
			has_detected_objects BOOLEAN NOT NULL DEFAULT false
		);
		CREATE INDEX idx_captured_image_created_at ON captured_image (created_at);
		CREATE INDEX idx_captured_image_detected_at ON captured_image (detected_at);

		CREATE TABLE detected_object(
			id INTEGER PRIMARY KEY,
			image_id INT NOT NULL REFERENCES captured_image(id),
			name TEXT NOT NULL,
			original_name TEXT NOT NULL,
			confidence REAL NOT NULL,
			x INT NOT NULL,
			y INT NOT NULL,
			width INT NOT NULL,
			height INT NOT NULL,
			crop_key TEXT,
			created_at INT NOT NULL
		);
		CREATE INDEX idx_detected_object_image ON detected_object (image_id);
		CREATE INDEX idx_detected_object_name_confidence ON detected_object (name, confidence);
	`))

	return migs
}
