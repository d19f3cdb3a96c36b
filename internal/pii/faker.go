package pii

import (
	"fmt"
	"math/rand"
)

// fakeSource generates type-consistent synthetic replacements from a seeded
// source, so one job's output is reproducible from its persisted seed.
type fakeSource struct {
	seed int64
	rng  *rand.Rand
}

func newFakeSource(seed int64) *fakeSource {
	f := &fakeSource{}
	f.reseed(seed)
	return f
}

func (f *fakeSource) reseed(seed int64) {
	f.seed = seed
	f.rng = rand.New(rand.NewSource(seed))
}

func (f *fakeSource) generate(t EntityType) string {
	switch t {
	case TypePerson:
		return f.pick(fakeFirstNames) + " " + f.pick(fakeLastNames)
	case TypeEmail:
		return fmt.Sprintf("%s.%s%d@%s",
			lower(f.pick(fakeFirstNames)), lower(f.pick(fakeLastNames)), f.rng.Intn(90)+10, f.pick(fakeDomains))
	case TypePhone:
		return fmt.Sprintf("+1 (%d) %03d-%04d", f.rng.Intn(700)+200, f.rng.Intn(1000), f.rng.Intn(10000))
	case TypeSSN:
		return fmt.Sprintf("%03d-%02d-%04d", f.rng.Intn(665)+1, f.rng.Intn(99)+1, f.rng.Intn(9999)+1)
	case TypeCreditCard:
		return fmt.Sprintf("4%03d %04d %04d %04d", f.rng.Intn(1000), f.rng.Intn(10000), f.rng.Intn(10000), f.rng.Intn(10000))
	case TypeIPAddress:
		return fmt.Sprintf("10.%d.%d.%d", f.rng.Intn(256), f.rng.Intn(256), f.rng.Intn(254)+1)
	case TypeURL:
		return fmt.Sprintf("https://www.%s-%s.example.com", lower(f.pick(fakeWords)), lower(f.pick(fakeWords)))
	case TypeAPIKey:
		return "sk-" + f.token(24)
	default:
		return "synthetic-" + f.token(8)
	}
}

func (f *fakeSource) pick(list []string) string {
	return list[f.rng.Intn(len(list))]
}

const tokenAlphabet = "abcdefghijklmnopqrstuvwxyz0123456789"

func (f *fakeSource) token(n int) string {
	b := make([]byte, n)
	for i := range b {
		b[i] = tokenAlphabet[f.rng.Intn(len(tokenAlphabet))]
	}
	return string(b)
}

func lower(s string) string {
	b := []byte(s)
	for i := range b {
		if b[i] >= 'A' && b[i] <= 'Z' {
			b[i] += 'a' - 'A'
		}
	}
	return string(b)
}

var (
	fakeFirstNames = []string{
		"Alice", "Carlos", "Diana", "Elena", "Felix", "Grace", "Hugo", "Irene",
		"James", "Karen", "Liam", "Marta", "Nina", "Oscar", "Paula", "Ruben",
		"Sofia", "Tomas", "Vera", "Walter",
	}
	fakeLastNames = []string{
		"Almeida", "Barnes", "Costa", "Decker", "Evans", "Fischer", "Grant",
		"Hoffman", "Ibarra", "Jensen", "Keller", "Lopes", "Murray", "Novak",
		"Olsen", "Pereira", "Quinn", "Rhodes", "Silva", "Turner",
	}
	fakeDomains = []string{"example.com", "example.org", "mail.example.net"}
	fakeWords   = []string{"amber", "birch", "cedar", "delta", "ember", "fjord", "grove", "harbor"}
)
