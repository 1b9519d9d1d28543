package simulation

const CrashSound = "CRASH DETECTED"

// DefaultSound is the label a fresh session starts with.
const DefaultSound = "Engine Idle"

// SoundChangeProbability is the per-tick chance the classifier label changes.
const SoundChangeProbability = 0.1

var soundClasses = []string{"Engine Idle", "Road Noise", "Horn Honk", "Siren Nearby", "Music Playing"}

// ClassifySound picks the next ambient sound label.
func ClassifySound(rng Rand) string {
	i := int(rng.Float64() * float64(len(soundClasses)))
	if i >= len(soundClasses) {
		i = len(soundClasses) - 1
	}
	return soundClasses[i]
}
