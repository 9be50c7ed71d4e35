// cmd/recdb/main.go
// recdb is the store maintenance tool: statistics, defragmentation and
// zip export for a store file, run while no application holds it.
package main

import (
	"fmt"
	"os"

	"github.com/fulldump/goconfig"
	"github.com/sirupsen/logrus"

	"recdb/pkg/recdb"
)

var VERSION = "dev"

type config struct {
	Path    string `usage:"store file path"`
	Stats   bool   `usage:"print store statistics"`
	Defrag  bool   `usage:"rewrite the store into its minimal layout"`
	Zip     string `usage:"export the store to a zip archive at this path"`
	Verbose bool   `usage:"enable debug logging"`
	Version bool   `usage:"print version and exit"`
}

func main() {
	c := config{}
	goconfig.Read(&c)

	if c.Version {
		fmt.Println("Version:", VERSION)
		return
	}
	if c.Path == "" {
		fmt.Fprintln(os.Stderr, "missing -path: nothing to operate on")
		os.Exit(2)
	}
	if !c.Stats && !c.Defrag && c.Zip == "" {
		fmt.Fprintln(os.Stderr, "nothing to do: pass -stats, -defrag or -zip")
		os.Exit(2)
	}

	log := logrus.New()
	log.SetLevel(logrus.InfoLevel)
	if c.Verbose {
		log.SetLevel(logrus.DebugLevel)
	}

	db, err := recdb.OpenWithOptions(c.Path, recdb.Options{Log: log})
	if err != nil {
		log.WithError(err).Fatal("open store")
	}
	defer db.Close()

	if c.Stats {
		stats, err := db.CalculateStatistics()
		if err != nil {
			log.WithError(err).Fatal("calculate statistics")
		}
		fmt.Println(stats)
	}

	if c.Zip != "" {
		if err := db.CopyToZipStore(c.Zip); err != nil {
			log.WithError(err).Fatal("zip export")
		}
		log.WithField("archive", c.Zip).Info("export written")
	}

	if c.Defrag {
		before, err := db.CalculateStatistics()
		if err != nil {
			log.WithError(err).Fatal("calculate statistics")
		}
		if err := db.Defrag(); err != nil {
			log.WithError(err).Fatal("defragment")
		}
		after, _ := db.CalculateStatistics()
		log.WithFields(logrus.Fields{
			"pages_before": before.PageCount,
			"pages_after":  after.PageCount,
		}).Info("store defragmented")
	}
}
