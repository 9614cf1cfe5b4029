// conf/defaults.go default values for settings
package conf

import (
	"time"

	"github.com/spf13/viper"
)

// Sets default values for the configuration.
func setDefaults(v *viper.Viper) {
	v.SetDefault("debug", false)

	v.SetDefault("main.name", "VoxFlow")
	v.SetDefault("main.log.enabled", true)
	v.SetDefault("main.log.path", "voxflow.log")
	v.SetDefault("main.log.maxsize", 100)
	v.SetDefault("main.log.maxbackups", 3)
	v.SetDefault("main.log.maxage", 28)

	v.SetDefault("model.name", "mistralai/Voxtral-Mini-3B-2507")
	v.SetDefault("model.cachedir", "models/")
	v.SetDefault("model.device", DeviceCPU)
	v.SetDefault("model.timeout", 300*time.Second)
	v.SetDefault("model.inferencetimeout", 120*time.Second)
	v.SetDefault("model.warmup", true)
	v.SetDefault("model.language", "auto")

	v.SetDefault("processing.samplerate", 16000)
	v.SetDefault("processing.chunkduration", 10*time.Minute)
	v.SetDefault("processing.overlap", 3*time.Second)
	v.SetDefault("processing.noisereduction", true)
	v.SetDefault("processing.vad.enabled", true)
	v.SetDefault("processing.vad.aggressiveness", 1)
	v.SetDefault("processing.maxconcurrentchunks", 3)
	v.SetDefault("processing.spillthreshold", int64(32*1024*1024))

	v.SetDefault("jobs.maxconcurrentrequests", 5)
	v.SetDefault("jobs.cleanupdelay", 300*time.Second)
	v.SetDefault("jobs.uploadtimeout", 300*time.Second)
	v.SetDefault("jobs.maxaudiolength", 1800*time.Second)
	v.SetDefault("jobs.maxfilesize", int64(500*1024*1024))

	v.SetDefault("temp.dir", "temp/")
	v.SetDefault("temp.sweepinterval", 5*time.Minute)
	v.SetDefault("temp.idletimeout", 30*time.Minute)
	v.SetDefault("temp.staleage", 24*time.Hour)
	v.SetDefault("temp.minfreebytes", uint64(1024*1024*1024))
	v.SetDefault("temp.emergencystaleage", time.Hour)
	v.SetDefault("temp.emergencyidle", 5*time.Minute)

	v.SetDefault("monitor.enabled", true)
	v.SetDefault("monitor.interval", 30*time.Second)
	v.SetDefault("monitor.maxmemorygb", 8.0)
	v.SetDefault("monitor.maxgpumemorygb", 4.0)
	v.SetDefault("monitor.maxcpupercent", 90.0)
	v.SetDefault("monitor.emergencyshutdown", false)

	v.SetDefault("notify.enabled", false)
	v.SetDefault("notify.nodeserviceurl", "http://localhost:3000/api/transcription/progress")
	v.SetDefault("notify.timeout", 5*time.Second)
	v.SetDefault("notify.connecttimeout", 2*time.Second)

	v.SetDefault("webserver.enabled", true)
	v.SetDefault("webserver.host", "0.0.0.0")
	v.SetDefault("webserver.port", "8000")
	v.SetDefault("webserver.debug", false)

	v.SetDefault("telemetry.enabled", false)
	v.SetDefault("telemetry.dsn", "")
	v.SetDefault("telemetry.environment", "production")
}
