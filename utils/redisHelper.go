package utils

import (
	"reflect"

	"bitbucket.org/mmdatafocus/revenue_backend/config"
)

/* generic functions */

func GetTypeName[T any]() string {
	var v T
	typeOfT := reflect.TypeOf(v)
	return typeOfT.Name()
}

/* Redis */

func listKey[T any]() string {
	return "All" + GetTypeName[T]() + "List"
}

// StoreRedisList caches a whole catalog under AllTypeList for CACHE_LIFESPAN hours.
func StoreRedisList[T any](list []*T) error {
	return config.SetRedisObject(listKey[T](), list, config.CacheLifespan())
}

// RetrieveRedisList returns nil, nil on a miss or when redis is not configured.
func RetrieveRedisList[T any]() ([]*T, error) {
	var result []*T
	exists, err := config.GetRedisObject(listKey[T](), &result)
	if err != nil {
		return nil, err
	}
	if !exists {
		return nil, nil
	}
	return result, nil
}

func RemoveRedisList[T any]() error {
	return config.RemoveRedisKey(listKey[T]())
}
