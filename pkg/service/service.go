package service

// Logger defines the logging interface shared by the services in this
// package. *logrus.Logger satisfies it.
type Logger interface {
	Infof(format string, args ...interface{})
	Warnf(format string, args ...interface{})
	Errorf(format string, args ...interface{})
}

// Root job types. Children carry the "<RootType>_SubTask" variant.
const (
	JobTypeFusion     = "DataFusion"
	JobTypeCorrection = "GridCorrection"
)

// The fusion/correction phase accounts for 80% of a fusion job's progress;
// the final import/merge phase covers the remaining 20%. Correction jobs have
// no import phase.
const (
	fusionPhaseWeight     = 80.0
	importPhaseWeight     = 20.0
	correctionPhaseWeight = 100.0
)
