// Package main is mvcdump, a tool to inspect and decode multiview H.264
// streams.
package main

import (
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"strings"

	"github.com/bluenviron/mediacommon/pkg/codecs/h264"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/pion/logging"
	"github.com/urfave/cli/v2"

	"github.com/thesyncim/mvc"
)

const (
	flagNALUSize = "nalu-size"
	flagDebug    = "debug"
	flagChunk    = "chunk"
	flagStereo   = "stereo-mode"
	flagOption   = "option"
	flagOutput   = "output"
)

func main() {
	app := &cli.App{
		Name:  "mvcdump",
		Usage: "inspect and decode H.264 multiview streams",
		Flags: []cli.Flag{
			&cli.BoolFlag{
				Name:    flagDebug,
				Aliases: []string{"vvv"},
				Usage:   "enable debug logging",
			},
		},
		Commands: []*cli.Command{
			{
				Name:      "nal",
				Usage:     "list the NAL units of a stream",
				ArgsUsage: "FILE",
				Flags: []cli.Flag{
					&cli.IntFlag{
						Name:  flagNALUSize,
						Usage: "length field size of a length-prefixed stream (0 = Annex-B, default: detect)",
					},
				},
				Action: nalAction,
			},
			{
				Name:      "extradata",
				Usage:     "describe an MVC1 extradata record",
				ArgsUsage: "FILE",
				Action:    extradataAction,
			},
			{
				Name:      "convert",
				Usage:     "convert a length-prefixed stream to Annex-B",
				ArgsUsage: "FILE",
				Flags: []cli.Flag{
					&cli.IntFlag{
						Name:  flagNALUSize,
						Value: 4,
						Usage: "length field size",
					},
					&cli.StringFlag{
						Name:     flagOutput,
						Aliases:  []string{"o"},
						Required: true,
						Usage:    "write the Annex-B stream to `FILE`",
					},
				},
				Action: convertAction,
			},
			{
				Name:      "decode",
				Usage:     "decode a multiview stream with libmedia_mvc",
				ArgsUsage: "FILE",
				Flags: []cli.Flag{
					&cli.IntFlag{
						Name:  flagChunk,
						Value: 64 * 1024,
						Usage: "bytes handed to the decoder per call",
					},
					&cli.StringFlag{
						Name:  flagStereo,
						Value: "left-right",
						Usage: "stereo layout hint",
					},
					&cli.StringSliceFlag{
						Name:  flagOption,
						Usage: "decoder option as `KEY=VALUE` (async_depth, busy_timeout, memory, ...)",
					},
				},
				Action: decodeAction,
			},
		},
	}

	if err := app.Run(os.Args); err != nil {
		log.Fatal(err)
	}
}

func readArg(c *cli.Context) ([]byte, error) {
	if c.NArg() != 1 {
		return nil, fmt.Errorf("expected one FILE argument")
	}
	return os.ReadFile(c.Args().First())
}

func nalAction(c *cli.Context) error {
	buf, err := readArg(c)
	if err != nil {
		return err
	}

	naluSize := c.Int(flagNALUSize)
	if !c.IsSet(flagNALUSize) {
		format, ok := mvc.DetectStreamFormat(buf)
		if !ok {
			return fmt.Errorf("%s: not an H.264 stream", c.Args().First())
		}
		naluSize = format.NALUSize
		fmt.Fprintf(c.App.Writer, "%s, %s framing\n", format.Codec(), format.Tag)
	}

	t := table.NewWriter()
	t.SetOutputMirror(c.App.Writer)
	t.AppendHeader(table.Row{"#", "Offset", "Type", "Ref", "Size"})
	i := 0
	for u := range mvc.NewNALScanner(buf, naluSize).Units() {
		t.AppendRow(table.Row{i, u.Start, u.Type, u.RefIdc, u.Len()})
		i++
	}
	t.AppendFooter(table.Row{"", "", "", "units", i})
	t.Render()
	return nil
}

func extradataAction(c *cli.Context) error {
	record, err := readArg(c)
	if err != nil {
		return err
	}
	naluSize, err := mvc.NALUSizeFromExtradata(record)
	if err != nil {
		return err
	}
	sets, err := mvc.ExtractParameterSets(record)
	if err != nil {
		return err
	}

	fmt.Fprintf(c.App.Writer, "length field size: %d\n", naluSize)
	t := table.NewWriter()
	t.SetOutputMirror(c.App.Writer)
	t.AppendHeader(table.Row{"#", "Type", "Size", "Profile", "Resolution"})
	i := 0
	for u := range mvc.NewNALScanner(sets, 2).Units() {
		row := table.Row{i, u.Type, u.Len(), "", ""}
		if u.Type == mvc.NALTypeSPS {
			var sps h264.SPS
			if err := sps.Unmarshal(sets[u.DataStart:u.End]); err == nil {
				row[3] = sps.ProfileIdc
				row[4] = fmt.Sprintf("%dx%d", sps.Width(), sps.Height())
			}
		}
		t.AppendRow(row)
		i++
	}
	t.Render()
	return nil
}

func convertAction(c *cli.Context) error {
	buf, err := readArg(c)
	if err != nil {
		return err
	}
	out, err := mvc.ConvertToAnnexB(buf, c.Int(flagNALUSize))
	if err != nil {
		return err
	}
	return os.WriteFile(c.String(flagOutput), out, 0o644)
}

func decodeAction(c *cli.Context) error {
	buf, err := readArg(c)
	if err != nil {
		return err
	}
	chunk := c.Int(flagChunk)
	if chunk <= 0 {
		return fmt.Errorf("chunk must be positive")
	}
	format, ok := mvc.DetectStreamFormat(buf)
	if !ok {
		return fmt.Errorf("%s: not an H.264 stream", c.Args().First())
	}
	if !format.Multiview {
		log.Printf("%s: no second view found", c.Args().First())
	}
	if format.NALUSize > 0 {
		if buf, err = mvc.ConvertToAnnexB(buf, format.NALUSize); err != nil {
			return err
		}
	}

	factory := logging.NewDefaultLoggerFactory()
	if c.Bool(flagDebug) {
		factory.DefaultLogLevel = logging.LogLevelDebug
	}

	engine, err := mvc.NewNativeEngine(nil)
	if err != nil {
		return err
	}
	cfg := mvc.DefaultDecoderConfig(engine)
	cfg.Allocator = engine.Allocator()
	cfg.LoggerFactory = factory
	if err := cfg.ApplyOptions(parseOptions(c.StringSlice(flagOption))); err != nil {
		_ = engine.Close()
		return err
	}
	dec, err := mvc.NewDecoder(cfg)
	if err != nil {
		_ = engine.Close()
		return err
	}

	var packets []*mvc.Packet
	for off := 0; off < len(buf); off += chunk {
		end := min(off+chunk, len(buf))
		packets = append(packets, &mvc.Packet{Data: buf[off:end], DTS: mvc.NoTimestamp, PTS: mvc.NoTimestamp})
	}
	info := &mvc.StreamInfo{
		Codec:      mvc.VideoCodecH264MVC,
		Tag:        mvc.CodecTagAMVC,
		StereoMode: c.String(flagStereo),
	}

	var last *mvc.Picture
	p, err := mvc.NewDecodePipeline(mvc.DecodePipelineConfig{
		Source:        mvc.NewPacketSource(info, packets),
		Decoder:       dec,
		LoggerFactory: factory,
		OnPicture: func(pic *mvc.Picture) {
			cp := *pic
			last = &cp
		},
	})
	if err != nil {
		_ = dec.Close()
		return err
	}

	ctx, stop := signal.NotifyContext(c.Context, os.Interrupt)
	defer stop()
	if err := p.Start(ctx); err != nil {
		return err
	}
	runErr := p.Wait()
	stats := dec.Stats()
	if err := p.Close(); err != nil && runErr == nil {
		runErr = err
	}

	printStats(c.App.Writer, stats, p.Stats(), last)
	return runErr
}

func parseOptions(kvs []string) map[string]any {
	opts := make(map[string]any, len(kvs))
	for _, kv := range kvs {
		if k, v, ok := strings.Cut(kv, "="); ok {
			opts[k] = v
		}
	}
	return opts
}

func printStats(w io.Writer, s mvc.DecoderStats, ps mvc.DecodePipelineStats, last *mvc.Picture) {
	t := table.NewWriter()
	t.SetOutputMirror(w)
	t.AppendHeader(table.Row{"Counter", "Value"})
	t.AppendRows([]table.Row{
		{"bytes in", s.BytesIn},
		{"submissions", s.Submissions},
		{"outputs", s.Outputs},
		{"pictures", ps.Pictures},
		{"orphans", s.Orphans},
		{"busy retries", s.BusyRetries},
		{"resets", s.Resets},
		{"stalls", ps.Stalls},
		{"bytes discarded", s.BytesDiscarded},
		{"sync failures", s.SyncFailures},
	})
	if last != nil {
		t.AppendFooter(table.Row{"last picture", fmt.Sprintf("%dx%d %s", last.DisplayWidth, last.DisplayHeight, last.StereoMode)})
	}
	t.Render()
}
