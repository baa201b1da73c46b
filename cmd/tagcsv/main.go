// Main package in tagcsv implements a command line tool for rendering a
// tag-declaration YAML file as a CSV table, for checkout sheets and
// inventory review.
package main

import (
	"fmt"
	"io"
	"log"
	"os"
	"sort"
	"strconv"
	"strings"

	"github.com/gocarina/gocsv"
	"github.com/m-lab/go/rtx"

	"github.com/mscada/tagbus/config"
)

func init() {
	// Always prepend the filename and line number.
	log.SetFlags(log.LstdFlags | log.Lshortfile)
}

var (
	// A variable to enable mocking for testing.
	logFatal = log.Fatal
)

// row is one CSV line describing a declared tag.
type row struct {
	Name  string `csv:"name"`
	Type  string `csv:"type"`
	Desc  string `csv:"desc"`
	Units string `csv:"units"`
	Min   string `csv:"min"`
	Max   string `csv:"max"`
	DP    string `csv:"dp"`
	Multi string `csv:"multi"`
	Init  string `csv:"init"`
}

func num(f *float64) string {
	if f == nil {
		return ""
	}
	return strconv.FormatFloat(*f, 'g', -1, 64)
}

// declType reports the effective type of a declaration: a multi list
// implies int, a missing type means float.
func declType(d config.Decl) string {
	if len(d.Multi) > 0 {
		return "int"
	}
	if d.Type == "" {
		return "float"
	}
	return d.Type
}

func rowsFrom(tags config.Tags) []row {
	names := make([]string, 0, len(tags))
	for name := range tags {
		names = append(names, name)
	}
	sort.Strings(names)

	rows := make([]row, 0, len(tags))
	for _, name := range names {
		d := tags[name]
		r := row{
			Name:  name,
			Type:  declType(d),
			Desc:  d.Desc,
			Units: d.Units,
			Min:   num(d.Min),
			Max:   num(d.Max),
			Multi: strings.Join(d.Multi, "|"),
		}
		if d.DP != nil {
			r.DP = strconv.Itoa(*d.DP)
		}
		if d.Init != nil {
			// Maps and lists print in Go syntax; good enough for a sheet.
			r.Init = fmt.Sprint(d.Init)
		}
		rows = append(rows, r)
	}
	return rows
}

func toCSV(tags config.Tags, wtr io.Writer) error {
	rows := rowsFrom(tags)
	return gocsv.Marshal(&rows, wtr)
}

func main() {
	args := os.Args[1:]

	var tags config.Tags
	var err error
	if len(args) == 1 {
		tags, err = config.Load(args[0])
		rtx.Must(err, "Could not load %q", args[0])
	} else if len(args) == 0 {
		data, err := io.ReadAll(os.Stdin)
		rtx.Must(err, "Could not read stdin")
		tags, err = config.Parse(data)
		rtx.Must(err, "Could not parse declarations")
	} else {
		logFatal("Too many command-line arguments.")
	}

	rtx.Must(toCSV(tags, os.Stdout), "Could not convert declarations to CSV")
}
