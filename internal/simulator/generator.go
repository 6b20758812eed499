// Package simulator is a runnable stand-in for the anomaly backend: it
// generates HDFS-style logs, scores them, stores the anomalies, and pushes
// them to websocket clients.
package simulator

import (
	"fmt"
	"math/rand"
	"time"
)

// AnomalyChance is the probability that a generated line is anomalous.
const AnomalyChance = 0.3

var normalPatterns = []func(r *rand.Rand) string{
	func(r *rand.Rand) string {
		return fmt.Sprintf("INFO org.apache.hadoop.hdfs.server.namenode.FSNamesystem: Roll Edit Log from 172.18.0.%d", 2+r.Intn(3))
	},
	func(r *rand.Rand) string {
		return fmt.Sprintf("INFO org.apache.hadoop.hdfs.server.namenode.FSEditLog: Number of transactions: %d Total time for transactions(ms): %d Number of transactions batched in Syncs: %d",
			1+r.Intn(10), 1+r.Intn(5), r.Intn(3))
	},
	func(r *rand.Rand) string {
		return fmt.Sprintf("INFO org.apache.hadoop.hdfs.server.namenode.FSEditLog: Starting log segment at %d", 1+r.Intn(100000))
	},
	func(r *rand.Rand) string {
		return "INFO org.apache.hadoop.security.token.delegation.AbstractDelegationTokenSecretManager: Updating the current master key for generating delegation tokens"
	},
	func(r *rand.Rand) string {
		return fmt.Sprintf("INFO org.apache.hadoop.yarn.server.resourcemanager.security.RMDelegationTokenSecretManager: storing master key with keyID %d", 1+r.Intn(10))
	},
	func(r *rand.Rand) string {
		return "INFO org.apache.hadoop.yarn.server.resourcemanager.recovery.RMStateStore: Updating AMRMToken"
	},
	func(r *rand.Rand) string {
		return "INFO org.apache.hadoop.yarn.server.resourcemanager.recovery.RMStateStore: Storing RMDTMasterKey."
	},
}

var shutdownReasons = []string{"Connection refused", "Disk space is too low", "Network timeout", "Memory allocation failed"}

var anomalyPatterns = []func(r *rand.Rand) string{
	func(r *rand.Rand) string {
		return fmt.Sprintf("ERROR org.apache.hadoop.yarn.YarnUncaughtExceptionHandler: Thread Thread[Timer-%d,5,main] threw an Exception.\n"+
			"java.lang.NullPointerException\n"+
			"    at org.apache.hadoop.yarn.server.resourcemanager.security.RMContainerTokenSecretManager.activateNextMasterKey(RMContainerTokenSecretManager.java:146)\n"+
			"    at java.util.TimerThread.run(Timer.java:505)", r.Intn(3))
	},
	func(r *rand.Rand) string {
		port := []int{8031, 9000}[r.Intn(2)]
		return fmt.Sprintf("INFO org.apache.hadoop.ipc.Server: Socket Reader #%d for port %d: readAndProcess from client 172.18.0.%d:%d threw exception [java.io.IOException: Connection timed out]\n"+
			"java.io.IOException: Connection timed out\n"+
			"    at sun.nio.ch.FileDispatcherImpl.read0(Native Method)\n"+
			"    at org.apache.hadoop.ipc.Server$Listener$Reader.run(Server.java:1076)",
			1+r.Intn(5), port, 2+r.Intn(3), 30000+r.Intn(30001))
	},
	func(r *rand.Rand) string {
		return fmt.Sprintf("WARN org.apache.hadoop.util.JvmPauseMonitor: Detected pause in JVM or host machine (eg GC): pause of approximately %dms\nNo GCs detected", 5000+r.Intn(15001))
	},
	func(r *rand.Rand) string {
		return fmt.Sprintf("ERROR org.apache.hadoop.hdfs.server.datanode.DataNode: IOException in block blk_%d from datanode%d: Connection timed out",
			1000000+r.Intn(9000000), 1+r.Intn(5))
	},
	func(r *rand.Rand) string {
		return fmt.Sprintf("FATAL org.apache.hadoop.hdfs.server.datanode.DataNode: DataNode is shutting down. Reason: %s", shutdownReasons[r.Intn(len(shutdownReasons))])
	},
	func(r *rand.Rand) string {
		return fmt.Sprintf("WARN org.apache.hadoop.hdfs.server.datanode.DataNode: Slow BlockReceiver write packet to mirror took %dms (threshold=300ms)", 300+r.Intn(5000))
	},
}

// Generator produces HDFS-like log lines. It is not safe for concurrent use;
// each simulation owns one.
type Generator struct {
	r   *rand.Rand
	now func() time.Time
}

func NewGenerator(seed int64, now func() time.Time) *Generator {
	if now == nil {
		now = time.Now
	}
	return &Generator{r: rand.New(rand.NewSource(seed)), now: now}
}

// Line returns one timestamped entry, which may span several lines when
// it carries a stack trace.
func (g *Generator) Line(anomalous bool) string {
	ts := g.now().Format("2006-01-02 15:04:05,000")
	if anomalous {
		return ts + " " + anomalyPatterns[g.r.Intn(len(anomalyPatterns))](g.r)
	}
	return ts + " " + normalPatterns[g.r.Intn(len(normalPatterns))](g.r)
}

// Tick returns between one and five entries.
func (g *Generator) Tick() []string {
	n := 1 + g.r.Intn(5)
	out := make([]string, n)
	for i := range out {
		out[i] = g.Line(g.r.Float64() < AnomalyChance)
	}
	return out
}

// Delay picks a pause uniformly in [min, max].
func (g *Generator) Delay(lo, hi time.Duration) time.Duration {
	if hi <= lo {
		return lo
	}
	return lo + time.Duration(g.r.Int63n(int64(hi-lo)+1))
}
