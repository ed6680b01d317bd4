package rundb

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
		CREATE TABLE run(
			id INTEGER PRIMARY KEY,
			uuid TEXT NOT NULL,
			model TEXT NOT NULL,
			status TEXT NOT NULL,
			started_at INT NOT NULL,
			finished_at INT,
			num_train INT NOT NULL,
			num_validation INT NOT NULL,
			hyperparameters TEXT,
			error TEXT
		);
		CREATE UNIQUE INDEX idx_run_uuid ON run (uuid);

		CREATE TABLE epoch(
			run_id INT NOT NULL,
			epoch INT NOT NULL,
			train_loss REAL NOT NULL,
			val_loss REAL,
			duration_ms INT NOT NULL,
			PRIMARY KEY (run_id, epoch)
		);

		CREATE TABLE evaluation(
			id INTEGER PRIMARY KEY,
			run_id INT NOT NULL,
			kind TEXT NOT NULL,
			created_at INT NOT NULL,
			metrics TEXT NOT NULL
		);
		CREATE INDEX idx_evaluation_run_id ON evaluation (run_id);

		CREATE TABLE export(
			id INTEGER PRIMARY KEY,
			run_id INT NOT NULL,
			created_at INT NOT NULL,
			path TEXT NOT NULL,
			size INT NOT NULL,
			quantization TEXT NOT NULL,
			published_name TEXT,
			published_url TEXT
		);
		CREATE INDEX idx_export_run_id ON export (run_id);
	`))

	return migs
}
