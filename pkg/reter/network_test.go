package reter

import (
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func TestSubsumptionTransitivity(t *testing.T) {
	net := NewNetwork(Config{})
	_, err := net.AddTriple("Dog", "sub_class_of", "Mammal", "")
	require.NoError(t, err)
	_, err = net.AddTriple("Mammal", "sub_class_of", "Animal", "")
	require.NoError(t, err)
	_, err = net.AddTriple("rex", "type", "Dog", "")
	require.NoError(t, err)

	facts := net.FindFacts(attrIndividual, "rex")
	var sawAnimal bool
	for _, f := range facts {
		if f[attrConcept] == "Animal" {
			sawAnimal = true
		}
	}
	require.True(t, sawAnimal, "rex should transitively be inferred as an Animal")

	require.ElementsMatch(t, []string{"Mammal", "Animal"}, net.SuperclassesOf("Dog"))
	require.ElementsMatch(t, []string{"Dog"}, net.SubclassesOf("Mammal"))
}

func TestTypeInheritanceRetraction(t *testing.T) {
	net := NewNetwork(Config{})
	id1, err := net.AddTriple("Dog", "sub_class_of", "Animal", "")
	require.NoError(t, err)
	_, err = net.AddTriple("rex", "type", "Dog", "")
	require.NoError(t, err)

	facts := net.FindFacts(attrIndividual, "rex")
	require.Len(t, facts, 2) // instance_of Dog + inferred instance_of Animal

	net.RemoveByID(id1)
	facts = net.FindFacts(attrIndividual, "rex")
	for _, f := range facts {
		require.NotEqual(t, "Animal", f[attrConcept], "retracting the subsumption should retract the inferred type too")
	}
}

func TestSameAsUnifiesLookups(t *testing.T) {
	net := NewNetwork(Config{})
	_, err := net.AddTriple("bob", "age", "42", "")
	require.NoError(t, err)
	_, err = net.AddTriple("bob", "same_as", "robert", "")
	require.NoError(t, err)

	facts := net.FindFacts(attrSubject, "robert")
	require.NotEmpty(t, facts, "looking up the alias should see facts asserted under the canonical name")
}

func TestRemoveSourceCascadesInferences(t *testing.T) {
	net := NewNetwork(Config{})
	_, err := net.AddTriple("Dog", "sub_class_of", "Animal", "src1")
	require.NoError(t, err)
	_, err = net.AddTriple("rex", "type", "Dog", "src1")
	require.NoError(t, err)

	require.NotEmpty(t, net.FindFacts(attrIndividual, "rex"))
	n := net.RemoveSource("src1")
	require.Greater(t, n, 0)
	require.Empty(t, net.FindFacts(attrIndividual, "rex"))
}
