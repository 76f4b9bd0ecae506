package main

import (
	"fmt"
	"sync/atomic"
	"time"

	"github.com/pterm/pterm"

	"github.com/opd-ai/hydra"
	"github.com/opd-ai/hydra/media"
)

// frameCounter tracks received frames for the stats view.
type frameCounter struct {
	frames   atomic.Uint64
	bytes    atomic.Uint64
	lastSeen atomic.Int64
}

func newFrameCounter() *frameCounter {
	return &frameCounter{}
}

func (c *frameCounter) observe(f *media.EncodedFrame) {
	c.frames.Add(1)
	c.bytes.Add(uint64(len(f.Payload)))
	c.lastSeen.Store(time.Now().UnixNano())
}

// statsView renders the per-tunnel quality table and session counters
// every profile round.
func statsView(session *hydra.Session, counter *frameCounter, done <-chan struct{}) {
	area, err := pterm.DefaultArea.Start()
	if err != nil {
		return
	}
	defer area.Stop()

	var lastFrames, lastBytes uint64
	for waitOrDone(done, 3*time.Second) {
		st := session.Stats()

		rows := pterm.TableData{{"tunnel", "rtt ms", "loss", "probes", "sent"}}
		for i, t := range st.Tunnels {
			sent := uint64(0)
			if i < len(st.Sender.PerTunnelSent) {
				sent = st.Sender.PerTunnelSent[i]
			}
			rows = append(rows, []string{
				fmt.Sprintf("%d", t.Port),
				fmt.Sprintf("%.1f", t.AvgRTTMS),
				fmt.Sprintf("%.1f%%", t.PacketLoss*100),
				fmt.Sprintf("%d/%d", t.Received, t.Sent),
				fmt.Sprintf("%d", sent),
			})
		}
		table, _ := pterm.DefaultTable.WithHasHeader().WithData(rows).Srender()

		frames, bytes := counter.frames.Load(), counter.bytes.Load()
		summary := fmt.Sprintf(
			"target %0.2f Mb/s | rx %0.1f fps %0.2f Mb/s | tx datagrams %d | dropped slices %d | pending units %d",
			float64(st.TargetBPS)/1e6,
			float64(frames-lastFrames)/3.0,
			float64(bytes-lastBytes)*8/3/1e6,
			st.Sender.SentDatagrams,
			st.Sender.DroppedSlices,
			st.PendingUnits,
		)
		lastFrames, lastBytes = frames, bytes

		area.Update(table + "\n" + summary)
	}
}
