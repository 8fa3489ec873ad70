package indicators

// VolumeRatio compares the average of the last short volumes with the last long ones.
// It returns 0 when the long average is zero.
func VolumeRatio(volumes []float64, short, long int) float64 {
	longAvg := TailMean(volumes, long)
	if longAvg <= 0 {
		return 0
	}
	return TailMean(volumes, short) / longAvg
}

// RollingVolume is the trailing average volume per bar (NaN until the window fills).
func RollingVolume(volumes []float64, period int) []float64 {
	return RollingMean(volumes, period)
}
