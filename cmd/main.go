package main

import (
	"context"
	"io"
	"io/fs"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	tiledb "github.com/TileDB-Inc/TileDB-Go"
	"github.com/alitto/pond"
	"github.com/samber/lo"
	"github.com/urfave/cli/v2"
	"gopkg.in/natefinch/lumberjack.v2"

	ccd "github.com/sixy6e/go-ccd"
)

// loadRefs reads the reference files named by the raw exposure's primary
// header. Missing optional references stay nil; the individual steps
// decide what is fatal.
func loadRefs(exp *ccd.Exposure, configURI string, inMemory bool) (*ccd.RefSet, error) {
	refs := &ccd.RefSet{}

	table := func(key string) (*ccd.RefTable, error) {
		name, _ := ccd.GetKey(exp.Primary, key, "", false)
		if name == "" || strings.EqualFold(name, "N/A") {
			return nil, nil
		}
		src, err := ccd.OpenCal(name, configURI, inMemory)
		if err != nil {
			return nil, err
		}
		defer src.Close()
		return ccd.ReadRefTable(src, name)
	}
	image := func(key string) (*ccd.RefImage, error) {
		name, _ := ccd.GetKey(exp.Primary, key, "", false)
		if name == "" || strings.EqualFold(name, "N/A") {
			return nil, nil
		}
		src, err := ccd.OpenCal(name, configURI, inMemory)
		if err != nil {
			return nil, err
		}
		defer src.Close()
		return ccd.ReadRefImage(src, name)
	}

	var err error
	if refs.Bpix, err = table("BPIXTAB"); err != nil {
		return nil, err
	}
	if refs.CCD, err = table("CCDTAB"); err != nil {
		return nil, err
	}
	if refs.Oscn, err = table("OSCNTAB"); err != nil {
		return nil, err
	}
	if refs.AtoD, err = table("ATODTAB"); err != nil {
		return nil, err
	}
	if refs.Phot, err = table("IMPHTTAB"); err != nil {
		return nil, err
	}
	if refs.PCTE, err = table("PCTETAB"); err != nil {
		return nil, err
	}
	if refs.SclByCol, err = table("SCLBYCOL"); err != nil {
		return nil, err
	}
	if refs.Bias, err = image("BIASFILE"); err != nil {
		return nil, err
	}
	if refs.Dark, err = image("DARKFILE"); err != nil {
		return nil, err
	}
	if refs.Flash, err = image("FLSHFILE"); err != nil {
		return nil, err
	}
	if refs.PFlt, err = image("PFLTFILE"); err != nil {
		return nil, err
	}
	if refs.DFlt, err = image("DFLTFILE"); err != nil {
		return nil, err
	}
	if refs.LFlt, err = image("LFLTFILE"); err != nil {
		return nil, err
	}
	if refs.Shad, err = image("SHADFILE"); err != nil {
		return nil, err
	}
	if refs.SatMap, err = image("SATUFILE"); err != nil {
		return nil, err
	}
	if refs.Sink, err = image("SNKCFILE"); err != nil {
		return nil, err
	}
	if refs.Biac, err = image("BIACFILE"); err != nil {
		return nil, err
	}
	if refs.RProf, err = image("RPROFFIL"); err != nil {
		return nil, err
	}
	if refs.CProf, err = image("CPROFFIL"); err != nil {
		return nil, err
	}

	nlinImg, err := image("NLINFILE")
	if err != nil {
		return nil, err
	}
	if nlinImg != nil {
		if refs.Nlin, err = ccd.NewNlinData(nlinImg); err != nil {
			return nil, err
		}
	}

	return refs, nil
}

// exportArrays writes the calibrated planes of each chip as a TileDB
// dense array alongside the container output.
func exportArrays(outURI, configURI string, exp *ccd.Exposure) error {
	var (
		config *tiledb.Config
		err    error
	)

	if configURI == "" {
		config, err = tiledb.NewConfig()
	} else {
		config, err = tiledb.LoadConfig(configURI)
	}
	if err != nil {
		return err
	}
	defer config.Free()

	ctx, err := tiledb.NewContext(config)
	if err != nil {
		return err
	}
	defer ctx.Free()

	base := strings.TrimSuffix(outURI, filepath.Ext(outURI))
	for c, chip := range exp.Chips {
		uri := base + "_sci" + string(rune('1'+c)) + ".tiledb"
		log.Println("Exporting chip", c+1, "to", uri)
		if err := chip.ToTileDB(uri, ctx, exp.ChipHeaders[c]); err != nil {
			return err
		}
	}

	return nil
}

// calibrate runs the full calibration for one raw exposure container.
func calibrate(rawURI, outURI, configURI string, inMemory, oneThread, exportTiledb bool) error {
	log.Println("Processing exposure:", rawURI)

	src, err := ccd.OpenCal(rawURI, configURI, inMemory)
	if err != nil {
		return err
	}
	defer src.Close()

	exp, err := ccd.ReadExposure(src)
	if err != nil {
		return err
	}

	refs, err := loadRefs(exp, configURI, inMemory)
	if err != nil {
		return err
	}

	log.Println("Exposure start:", ccd.MJDToTime(exp.Info.ExpStart).Format(time.RFC3339))

	trl := ccd.LogTrailer{}

	if exp.Info.Detector == ccd.DetectorIR {
		sw, err := ccd.NewIRSwitches(exp.Primary)
		if err != nil {
			return err
		}
		if err := ccd.CalibrateIR(exp, refs, sw, trl); err != nil {
			return err
		}
	} else {
		sw, err := ccd.NewCCDSwitches(exp.Primary)
		if err != nil {
			return err
		}
		if sw.Get(ccd.StepCTE) == ccd.Perform {
			if err := ccd.RunCTE(exp, refs, sw, oneThread, trl); err != nil {
				return err
			}
		}
		if err := ccd.CalibrateCCD(exp, refs, sw, trl); err != nil {
			return err
		}
	}

	if outURI == "" {
		dir, file := filepath.Split(rawURI)
		outURI = filepath.Join(dir, strings.TrimSuffix(file, filepath.Ext(file))+"_cal"+filepath.Ext(file))
	}

	log.Println("Writing calibrated exposure:", outURI)
	if err := ccd.WriteExposure(outURI, configURI, exp); err != nil {
		return err
	}

	if exportTiledb && exp.Info.Detector == ccd.DetectorCCD {
		if err := exportArrays(outURI, configURI, exp); err != nil {
			return err
		}
	}

	log.Println("Finished exposure:", rawURI)
	return nil
}

// findContainers walks a directory for raw exposure containers.
func findContainers(uri string) []string {
	var items []string
	_ = filepath.WalkDir(uri, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if !d.IsDir() && strings.HasSuffix(path, "_raw.ccd") {
			items = append(items, path)
		}
		return nil
	})
	return items
}

// calibrateTrawl submits every container under a directory to a fixed
// worker pool, 2 workers per CPU, cancelled by SIGINT.
func calibrateTrawl(uri, outdirURI, configURI string, inMemory, exportTiledb bool) error {
	log.Println("Searching uri:", uri)
	items := findContainers(uri)
	log.Println("Number of exposures to process:", len(items))

	// duplicate rootnames in a trawl directory mean two containers would
	// race for one output; warn up front
	names := lo.Map(items, func(p string, _ int) string {
		_, file := filepath.Split(p)
		return file
	})
	for _, dup := range lo.FindDuplicates(names) {
		log.Println("Warning: duplicate exposure rootname in trawl:", dup)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	n := runtime.NumCPU() * 2
	pool := pond.New(n, 0, pond.MinWorkers(n), pond.Context(ctx))
	defer pool.StopAndWait()

	for _, name := range items {
		itemURI := name
		pool.Submit(func() {
			out := ""
			if outdirURI != "" {
				_, file := filepath.Split(itemURI)
				out = filepath.Join(outdirURI, strings.TrimSuffix(file, "_raw.ccd")+"_cal.ccd")
			}
			if err := calibrate(itemURI, out, configURI, inMemory, false, exportTiledb); err != nil {
				log.Println("Error processing", itemURI, ":", err)
			}
		})
	}

	return nil
}

func main() {
	app := &cli.App{
		Name:  "go-ccd",
		Usage: "calibrate raw detector readouts into flag- and uncertainty-bearing images",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "log-file",
				Usage: "Rotate trailer messages into this file instead of stderr only.",
			},
		},
		Before: func(cCtx *cli.Context) error {
			if lf := cCtx.String("log-file"); lf != "" {
				log.SetOutput(io.MultiWriter(os.Stderr, &lumberjack.Logger{
					Filename:   lf,
					MaxSize:    64, // megabytes
					MaxBackups: 4,
				}))
			}
			return nil
		},
		Commands: []*cli.Command{
			{
				Name: "calibrate",
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:  "raw-uri",
						Usage: "URI or pathname to a raw exposure container.",
					},
					&cli.StringFlag{
						Name:  "out-uri",
						Usage: "URI or pathname for the calibrated output.",
					},
					&cli.StringFlag{
						Name:  "config-uri",
						Usage: "URI or pathname to a TileDB config file.",
					},
					&cli.BoolFlag{
						Name:  "in-memory",
						Usage: "Read the entire container into memory before processing.",
					},
					&cli.BoolFlag{
						Name:  "one-thread",
						Usage: "Contain the CTE correction to a single thread for reproducibility.",
					},
					&cli.BoolFlag{
						Name:  "export-tiledb",
						Usage: "Also export the calibrated planes as TileDB dense arrays.",
					},
				},
				Action: func(cCtx *cli.Context) error {
					return calibrate(cCtx.String("raw-uri"), cCtx.String("out-uri"),
						cCtx.String("config-uri"), cCtx.Bool("in-memory"),
						cCtx.Bool("one-thread"), cCtx.Bool("export-tiledb"))
				},
			},
			{
				Name: "calibrate-trawl",
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:  "uri",
						Usage: "URI or pathname to a directory containing raw exposures.",
					},
					&cli.StringFlag{
						Name:  "outdir-uri",
						Usage: "URI or pathname to an output directory.",
					},
					&cli.StringFlag{
						Name:  "config-uri",
						Usage: "URI or pathname to a TileDB config file.",
					},
					&cli.BoolFlag{
						Name:  "in-memory",
						Usage: "Read each container into memory before processing.",
					},
					&cli.BoolFlag{
						Name:  "export-tiledb",
						Usage: "Also export the calibrated planes as TileDB dense arrays.",
					},
				},
				Action: func(cCtx *cli.Context) error {
					return calibrateTrawl(cCtx.String("uri"), cCtx.String("outdir-uri"),
						cCtx.String("config-uri"), cCtx.Bool("in-memory"),
						cCtx.Bool("export-tiledb"))
				},
			},
		},
	}

	if err := app.Run(os.Args); err != nil {
		log.Println(err)
		os.Exit(ccd.StatusCode(err))
	}
}
