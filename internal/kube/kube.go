// Package kube holds the narrow Kubernetes lookups the API needs: service
// addresses for in-cluster collaborators, ConfigMaps holding CA bundles, and
// the ARA UI host used to build log links.
package kube

import (
	"context"
	"fmt"
	"sync"

	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"
	"k8s.io/apimachinery/pkg/runtime/schema"
	"k8s.io/client-go/dynamic"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/rest"
	"k8s.io/client-go/tools/clientcmd"
)

// ServicesNamespace is where the CFS collaborators live.
const ServicesNamespace = "services"

var virtualServiceGVR = schema.GroupVersionResource{
	Group:    "networking.istio.io",
	Version:  "v1beta1",
	Resource: "virtualservices",
}

// Client bundles the typed and dynamic Kubernetes clients.
type Client struct {
	clientset kubernetes.Interface
	dynamic   dynamic.Interface

	araOnce sync.Mutex
	araURL  string
}

// NewClient builds a client from the in-cluster config, falling back to the
// local kubeconfig for development.
func NewClient() (*Client, error) {
	cfg, err := rest.InClusterConfig()
	if err != nil {
		cfg, err = clientcmd.BuildConfigFromFlags("", clientcmd.RecommendedHomeFile)
		if err != nil {
			return nil, fmt.Errorf("loading kubernetes config: %w", err)
		}
	}
	clientset, err := kubernetes.NewForConfig(cfg)
	if err != nil {
		return nil, err
	}
	dyn, err := dynamic.NewForConfig(cfg)
	if err != nil {
		return nil, err
	}
	return &Client{clientset: clientset, dynamic: dyn}, nil
}

// ServiceAddress returns host:port for a named service in the services
// namespace, resolved through its cluster IP.
func (c *Client) ServiceAddress(ctx context.Context, name string, port int) (string, error) {
	svc, err := c.clientset.CoreV1().Services(ServicesNamespace).Get(ctx, name, metav1.GetOptions{})
	if err != nil {
		return "", fmt.Errorf("looking up service %q: %w", name, err)
	}
	return fmt.Sprintf("%s:%d", svc.Spec.ClusterIP, port), nil
}

// ConfigMapData returns the data map of a ConfigMap. An empty namespace
// defaults to the services namespace.
func (c *Client) ConfigMapData(ctx context.Context, name, namespace string) (map[string]string, error) {
	if namespace == "" {
		namespace = ServicesNamespace
	}
	cm, err := c.clientset.CoreV1().ConfigMaps(namespace).Get(ctx, name, metav1.GetOptions{})
	if err != nil {
		return nil, fmt.Errorf("looking up configmap %s/%s: %w", namespace, name, err)
	}
	return cm.Data, nil
}

// ARAUIURL returns the external host of the ARA UI, read from its Istio
// VirtualService. The lookup result is cached on first success; failures
// return an empty host so log links are simply omitted.
func (c *Client) ARAUIURL(ctx context.Context) string {
	c.araOnce.Lock()
	defer c.araOnce.Unlock()
	if c.araURL != "" {
		return c.araURL
	}
	obj, err := c.dynamic.Resource(virtualServiceGVR).Namespace(ServicesNamespace).
		Get(ctx, "cfs-ara-external", metav1.GetOptions{})
	if err != nil {
		return ""
	}
	hosts, found, err := unstructured.NestedStringSlice(obj.Object, "spec", "hosts")
	if err != nil || !found || len(hosts) == 0 {
		return ""
	}
	c.araURL = hosts[0]
	return c.araURL
}
