// Copyright 2024 Daniel Swarbrick. All rights reserved.
// Use of this source code is governed by a GPL license that can be found in the LICENSE file.

// Package gptdb maps GPT partition type GUIDs to human-readable names. The database ships
// embedded as TOML and is sorted once, lazily, on first lookup; lookups are binary searches
// over the canonical GUID strings.

package gptdb

import (
	_ "embed"
	"sort"
	"strings"
	"sync"

	"github.com/BurntSushi/toml"
)

//go:embed gptdb.toml
var rawDb []byte

// PartitionType is one database entry.
type PartitionType struct {
	GUID string
	Name string
}

type typeDb struct {
	Types []PartitionType
}

var (
	dbOnce sync.Once
	db     typeDb
	dbErr  error
)

func loadDb() {
	dbErr = toml.Unmarshal(rawDb, &db)
	if dbErr != nil {
		return
	}

	for i := range db.Types {
		db.Types[i].GUID = strings.ToLower(db.Types[i].GUID)
	}

	sort.Slice(db.Types, func(i, j int) bool {
		return db.Types[i].GUID < db.Types[j].GUID
	})
}

// LookupName returns the human-readable name for a canonical GUID string
// ("0fc63daf-8483-4772-8e79-3d69d8477de4" form, any case), or "Unknown" on a miss.
func LookupName(guid string) string {
	dbOnce.Do(loadDb)
	if dbErr != nil {
		return "Unknown"
	}

	guid = strings.ToLower(guid)
	i := sort.Search(len(db.Types), func(i int) bool {
		return db.Types[i].GUID >= guid
	})
	if i < len(db.Types) && db.Types[i].GUID == guid {
		return db.Types[i].Name
	}

	return "Unknown"
}

// Len returns the number of database entries, mostly for sanity checks.
func Len() int {
	dbOnce.Do(loadDb)
	return len(db.Types)
}
