// Copyright (c) 2013-2016 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package database

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/btcsuite/hdrsync/database/engine"
	"github.com/btcsuite/hdrsync/database/engine/leveldb"
	"github.com/btcsuite/hdrsync/database/engine/pebbledb"
)

// Driver defines a structure for backend drivers to use when they registered
// themselves as a backend which implements the engine interface.
type Driver struct {
	// DbType is the identifier used to uniquely identify a specific
	// database driver.  There can be only one driver with the same name.
	DbType string

	// Open opens the database at the passed path, creating it when it does
	// not exist yet.  The path is ignored by in-memory drivers.
	Open func(dbPath string) (engine.Engine, error)
}

// driverList holds all of the registered database backends.
var drivers = make(map[string]*Driver)

// RegisterDriver adds a backend database driver to available interfaces.
// ErrDbTypeRegistered will be returned if the database type for the driver has
// already been registered.
func RegisterDriver(driver Driver) error {
	if _, exists := drivers[driver.DbType]; exists {
		str := fmt.Sprintf("driver %q is already registered",
			driver.DbType)
		return makeError(ErrDbTypeRegistered, str, nil)
	}

	drivers[driver.DbType] = &driver
	return nil
}

// SupportedDrivers returns a slice of strings that represent the database
// drivers that have been registered and are therefore supported.
func SupportedDrivers() []string {
	supportedDBs := make([]string, 0, len(drivers))
	for _, drv := range drivers {
		supportedDBs = append(supportedDBs, drv.DbType)
	}
	return supportedDBs
}

// Open opens the database of the given type at dbPath, creating it and any
// missing parent directories when needed.  ErrDbUnknownType is returned when
// no driver is registered for the type.
func Open(dbType, dbPath string) (engine.Engine, error) {
	drv, exists := drivers[dbType]
	if !exists {
		str := fmt.Sprintf("driver %q is not registered", dbType)
		return nil, makeError(ErrDbUnknownType, str, nil)
	}

	db, err := drv.Open(dbPath)
	if err != nil {
		str := fmt.Sprintf("failed to open %s database %q", dbType, dbPath)
		return nil, makeError(ErrDriverSpecific, str, err)
	}

	log.Infof("Opened %s database at %s", dbType, dbPath)
	return db, nil
}

// createParent makes sure the parent directory of dbPath exists.
func createParent(dbPath string) error {
	return os.MkdirAll(filepath.Dir(dbPath), 0700)
}

func init() {
	// Both disk drivers open an existing database or create a new one.
	mustRegister := func(driver Driver) {
		if err := RegisterDriver(driver); err != nil {
			panic(fmt.Sprintf("failed to register database driver "+
				"%q: %v", driver.DbType, err))
		}
	}

	mustRegister(Driver{
		DbType: "leveldb",
		Open: func(dbPath string) (engine.Engine, error) {
			if err := createParent(dbPath); err != nil {
				return nil, err
			}
			return leveldb.NewDB(dbPath, false)
		},
	})
	mustRegister(Driver{
		DbType: "pebble",
		Open: func(dbPath string) (engine.Engine, error) {
			if err := createParent(dbPath); err != nil {
				return nil, err
			}
			return pebbledb.NewDB(dbPath, false, 0, 0)
		},
	})
	mustRegister(Driver{
		DbType: "memdb",
		Open: func(string) (engine.Engine, error) {
			return leveldb.NewMemDB()
		},
	})
}
