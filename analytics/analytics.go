package analytics

import (
	"os"

	"github.com/mohitkumar/engage/model"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

type DataCollectorConfig struct {
	FileName      string
	CollectorType DataCollectorType
}

type DataCollectorType string

const LOG_FILE_DATA_COLLECTOR DataCollectorType = "LOG_FILE_DATA_COLLECTOR"
const NOOP_DATA_COLLECTOR DataCollectorType = "NOOP_DATA_COLLECTOR"

// DataCollector mirrors committed analytics facts to an external sink.
type DataCollector interface {
	RecordNodeEvent(event *model.NodeEvent)
	RecordJourney(journey *model.JourneyRecord)
	Close() error
}

func NewDataCollector(config DataCollectorConfig) (DataCollector, error) {
	switch config.CollectorType {
	case LOG_FILE_DATA_COLLECTOR:
		return NewLogFileDataCollector(config.FileName)
	default:
		return noopCollector{}, nil
	}
}

type noopCollector struct{}

func (noopCollector) RecordNodeEvent(*model.NodeEvent)   {}
func (noopCollector) RecordJourney(*model.JourneyRecord) {}
func (noopCollector) Close() error                       { return nil }

type LogFileDataCollector struct {
	fileName string
	file     *os.File
	logger   *zap.Logger
}

func NewLogFileDataCollector(fileName string) (*LogFileDataCollector, error) {
	encoderConfig := zap.NewProductionEncoderConfig()
	encoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	encoderConfig.StacktraceKey = ""
	fileEncoder := zapcore.NewJSONEncoder(encoderConfig)
	logFile, err := os.OpenFile(fileName, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return nil, err
	}
	core := zapcore.NewCore(fileEncoder, zapcore.AddSync(logFile), zapcore.InfoLevel)
	return &LogFileDataCollector{
		fileName: fileName,
		file:     logFile,
		logger:   zap.New(core),
	}, nil
}

func (lc *LogFileDataCollector) RecordNodeEvent(event *model.NodeEvent) {
	lc.logger.Info("node_event",
		zap.String("org", event.OrganizationId),
		zap.String("flow", event.FlowId),
		zap.String("variant", event.VariantId),
		zap.String("contact", event.ContactId),
		zap.String("node", event.NodeId),
		zap.String("action", string(event.Action)),
		zap.Int64("timeSpentMs", event.TimeSpentMs),
		zap.Time("ts", event.Timestamp))
}

func (lc *LogFileDataCollector) RecordJourney(journey *model.JourneyRecord) {
	lc.logger.Info("journey",
		zap.String("id", journey.Id),
		zap.String("org", journey.OrganizationId),
		zap.String("flow", journey.FlowId),
		zap.String("variant", journey.VariantId),
		zap.String("contact", journey.ContactId),
		zap.String("status", string(journey.Status)),
		zap.Int64("totalTimeMs", journey.TotalTimeMs),
		zap.Float64("conversionValue", journey.ConversionValue),
		zap.Bool("errored", journey.Errored))
}

func (lc *LogFileDataCollector) Close() error {
	_ = lc.logger.Sync()
	return lc.file.Close()
}
