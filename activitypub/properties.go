package activitypub

// Property is a vocabulary term with its accepted spellings.
type Property struct {
	Name    string
	Aliases []string
}

func (p Property) names() []string {
	return append([]string{p.Name}, p.Aliases...)
}

func as(name string) Property {
	return Property{Name: name, Aliases: []string{"as:" + name, "ap:" + name, NamespaceActivityStreams + "#" + name}}
}

func ext(prefix, namespace, name string) Property {
	return Property{Name: name, Aliases: []string{prefix + ":" + name, namespace + "#" + name}}
}

var (
	PropertyID           = as("id")
	PropertyActor        = as("actor")
	PropertyAttributedTo = as("attributedTo")
	PropertyOutbox       = as("outbox")
	PropertyType         = as("type")
	PropertyName         = as("name")
	PropertySummary      = as("summary")
	PropertyContent      = as("content")
	PropertyMediaType    = as("mediaType")
	PropertyPublished    = as("published")
	PropertyObject       = as("object")
	PropertyTo           = as("to")
	PropertyItems        = as("items")
	PropertyOrderedItems = as("orderedItems")
	PropertyFirst        = as("first")
	PropertyNext         = as("next")

	PropertyEncoding    = ext("mls", NamespaceMLS, "encoding")
	PropertyMessages    = ext("mls", NamespaceMLS, "messages")
	PropertyKeyPackages = ext("mls", NamespaceMLS, "keyPackages")

	PropertyEventStream = ext("sse", NamespaceSSE, "eventStream")
)
